package scan

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/model"
)

func decodePage(resp *client.Response, mem memory.Allocator) ([]model.Row, error) {
	if strings.HasPrefix(resp.ContentType, client.ContentTypeParquet) {
		return decodeParquet(resp.Body, mem)
	}
	return decodeJSON(resp.Body)
}

// decodeJSON reads a query_range response of result type streams. Entries
// are ["<unix ns>", "<line>", {structured metadata}?]; metadata is ignored.
func decodeJSON(body []byte) ([]model.Row, error) {
	var rows []model.Row
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			status, err := d.Str()
			if err != nil {
				return err
			}
			if status != "success" {
				return errors.Errorf("status %q", status)
			}
			return nil
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "resultType":
					rt, err := d.Str()
					if err != nil {
						return err
					}
					if rt != "streams" {
						return errors.Errorf("unsupported result type %q", rt)
					}
					return nil
				case "result":
					return d.Arr(func(d *jx.Decoder) error {
						return decodeStream(d, &rows)
					})
				}
				return d.Skip()
			})
		}
		return d.Skip()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func decodeStream(d *jx.Decoder, rows *[]model.Row) error {
	var (
		ls      labels.Labels
		entries []model.Row
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "stream":
			b := labels.NewScratchBuilder(8)
			if err := d.Obj(func(d *jx.Decoder, name string) error {
				v, err := d.Str()
				if err != nil {
					return err
				}
				b.Add(name, v)
				return nil
			}); err != nil {
				return errors.Wrap(err, "stream labels")
			}
			b.Sort()
			ls = b.Labels()
			return nil
		case "values":
			return d.Arr(func(d *jx.Decoder) error {
				e, err := decodeEntry(d)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
		}
		return d.Skip()
	})
	if err != nil {
		return err
	}
	for i := range entries {
		entries[i].Labels = ls
	}
	*rows = append(*rows, entries...)
	return nil
}

func decodeEntry(d *jx.Decoder) (model.Row, error) {
	var (
		r   model.Row
		idx int
	)
	err := d.Arr(func(d *jx.Decoder) error {
		defer func() { idx++ }()
		switch idx {
		case 0:
			v, err := d.Str()
			if err != nil {
				return err
			}
			if r.Timestamp, err = strconv.ParseInt(v, 10, 64); err != nil {
				return errors.Wrap(err, "entry timestamp")
			}
			return nil
		case 1:
			v, err := d.Str()
			r.Line = v
			return err
		}
		return d.Skip()
	})
	if err == nil && idx < 2 {
		err = errors.Errorf("entry has %d elements", idx)
	}
	return r, err
}

func decodeParquet(body []byte, mem memory.Allocator) ([]model.Row, error) {
	pf, err := file.NewParquetReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "open parquet")
	}
	defer pf.Close()
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: 4096}, mem)
	if err != nil {
		return nil, errors.Wrap(err, "parquet reader")
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "read parquet")
	}
	defer tbl.Release()

	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()
	var rows []model.Row
	for tr.Next() {
		batch, err := model.RowsFromRecord(tr.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}
