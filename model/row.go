package model

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/prometheus/model/labels"
)

// Row is a single log entry.
type Row struct {
	Timestamp int64
	Labels    labels.Labels
	Line      string
}

// BuildRecord converts rows into a record holding the projected columns.
// A nil projection keeps every column.
func BuildRecord(mem memory.Allocator, rows []Row, projection []int) (arrow.Record, error) {
	schema, err := ProjectSchema(projection)
	if err != nil {
		return nil, err
	}
	if projection == nil {
		projection = FullProjection()
	}
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i, idx := range projection {
		switch idx {
		case TimestampIndex:
			fb := b.Field(i).(*array.TimestampBuilder)
			fb.Reserve(len(rows))
			for _, r := range rows {
				fb.UnsafeAppend(arrow.Timestamp(r.Timestamp))
			}
		case LabelsIndex:
			appendLabels(b.Field(i).(*array.MapBuilder), rows)
		case LineIndex:
			fb := b.Field(i).(*array.StringBuilder)
			fb.Reserve(len(rows))
			for _, r := range rows {
				fb.Append(r.Line)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendLabels(mb *array.MapBuilder, rows []Row) {
	for _, r := range rows {
		AppendLabels(mb, r.Labels)
	}
}

// AppendLabels adds ls as one map value of a labels column.
func AppendLabels(mb *array.MapBuilder, ls labels.Labels) {
	kb := mb.KeyBuilder().(*array.StringBuilder)
	vb := mb.ItemBuilder().(*array.StringBuilder)
	mb.Append(true)
	// labels.Labels iterates in name order
	ls.Range(func(l labels.Label) {
		kb.Append(l.Name)
		vb.Append(l.Value)
	})
}

// RowsFromRecord reads rows back from a record. Columns are looked up by
// name, missing ones stay zero. A null timestamp or line is an error.
func RowsFromRecord(rec arrow.Record) ([]Row, error) {
	n := int(rec.NumRows())
	rows := make([]Row, n)
	for i, f := range rec.Schema().Fields() {
		col := rec.Column(i)
		switch f.Name {
		case ColumnTimestamp:
			if err := readTimestamps(col, rows); err != nil {
				return nil, err
			}
		case ColumnLabels:
			if err := readLabels(col, rows); err != nil {
				return nil, err
			}
		case ColumnLine:
			if err := readLines(col, rows); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

func readTimestamps(col arrow.Array, rows []Row) error {
	switch c := col.(type) {
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		mul := int64(1)
		switch unit {
		case arrow.Second:
			mul = 1e9
		case arrow.Millisecond:
			mul = 1e6
		case arrow.Microsecond:
			mul = 1e3
		}
		for i := range rows {
			if c.IsNull(i) {
				return fmt.Errorf("row %d: null %s", i, ColumnTimestamp)
			}
			rows[i].Timestamp = int64(c.Value(i)) * mul
		}
	case *array.Int64:
		for i := range rows {
			if c.IsNull(i) {
				return fmt.Errorf("row %d: null %s", i, ColumnTimestamp)
			}
			rows[i].Timestamp = c.Value(i)
		}
	default:
		return fmt.Errorf("unexpected %s type %s", ColumnTimestamp, col.DataType())
	}
	return nil
}

func readLabels(col arrow.Array, rows []Row) error {
	m, ok := col.(*array.Map)
	if !ok {
		return fmt.Errorf("unexpected %s type %s", ColumnLabels, col.DataType())
	}
	keys, ok := m.Keys().(*array.String)
	if !ok {
		return fmt.Errorf("unexpected %s key type %s", ColumnLabels, m.Keys().DataType())
	}
	items, ok := m.Items().(*array.String)
	if !ok {
		return fmt.Errorf("unexpected %s value type %s", ColumnLabels, m.Items().DataType())
	}
	lb := labels.NewScratchBuilder(8)
	for i := range rows {
		if m.IsNull(i) {
			rows[i].Labels = labels.EmptyLabels()
			continue
		}
		start, end := m.ValueOffsets(i)
		lb.Reset()
		for j := start; j < end; j++ {
			if items.IsNull(int(j)) {
				continue
			}
			lb.Add(keys.Value(int(j)), items.Value(int(j)))
		}
		lb.Sort()
		rows[i].Labels = lb.Labels()
	}
	return nil
}

func readLines(col arrow.Array, rows []Row) error {
	switch c := col.(type) {
	case *array.String:
		for i := range rows {
			if c.IsNull(i) {
				return fmt.Errorf("row %d: null %s", i, ColumnLine)
			}
			rows[i].Line = c.Value(i)
		}
	case *array.LargeString:
		for i := range rows {
			if c.IsNull(i) {
				return fmt.Errorf("row %d: null %s", i, ColumnLine)
			}
			rows[i].Line = c.Value(i)
		}
	case *array.Binary:
		for i := range rows {
			if c.IsNull(i) {
				return fmt.Errorf("row %d: null %s", i, ColumnLine)
			}
			rows[i].Line = string(c.Value(i))
		}
	default:
		return fmt.Errorf("unexpected %s type %s", ColumnLine, col.DataType())
	}
	return nil
}
