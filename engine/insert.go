package engine

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-kit/log/level"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/xwb1989/sqlparser"

	"github.com/metrico/lokiduck/model"
)

// CountSchema is the result of an INSERT.
var CountSchema = arrow.NewSchema([]arrow.Field{{Name: "count", Type: arrow.PrimitiveTypes.Int64}}, nil)

func (s *Session) insert(ctx context.Context, ins *sqlparser.Insert) (*Result, error) {
	start := time.Now()
	if ins.Action != sqlparser.InsertStr {
		return nil, errors.Errorf("%s is not supported", ins.Action)
	}
	provider, err := s.table(ins.Table.Name.String())
	if err != nil {
		return nil, err
	}
	values, ok := ins.Rows.(sqlparser.Values)
	if !ok {
		return nil, errors.New("only INSERT ... VALUES is supported")
	}
	columns := []int{model.TimestampIndex, model.LabelsIndex, model.LineIndex}
	if len(ins.Columns) > 0 {
		columns = columns[:0]
		for _, c := range ins.Columns {
			idx := model.ColumnIndex(c.Lowered())
			if idx < 0 {
				return nil, errors.Errorf("unknown column %q", c.String())
			}
			columns = append(columns, idx)
		}
	}

	rec, err := s.valuesRecord(columns, values)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	n, err := provider.InsertInto(ctx, []arrow.Record{rec})
	if err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "inserted", "table", ins.Table.Name.String(), "rows", n)

	b := array.NewInt64Builder(s.mem)
	defer b.Release()
	b.Append(n)
	col := b.NewArray()
	defer col.Release()
	return &Result{
		Schema:  CountSchema,
		Records: []arrow.Record{array.NewRecord(CountSchema, []arrow.Array{col}, 1)},
		Elapsed: time.Since(start),
	}, nil
}

// valuesRecord builds a record in the table layout. Columns missing from
// the statement are NULL.
func (s *Session) valuesRecord(columns []int, values sqlparser.Values) (arrow.Record, error) {
	b := array.NewRecordBuilder(s.mem, model.Schema)
	defer b.Release()
	ts := b.Field(model.TimestampIndex).(*array.TimestampBuilder)
	lb := b.Field(model.LabelsIndex).(*array.MapBuilder)
	line := b.Field(model.LineIndex).(*array.StringBuilder)

	for i, tuple := range values {
		if len(tuple) != len(columns) {
			return nil, errors.Errorf("row %d has %d values, want %d", i+1, len(tuple), len(columns))
		}
		set := [3]bool{}
		for j, idx := range columns {
			set[idx] = true
			var err error
			switch idx {
			case model.TimestampIndex:
				err = appendTimestamp(ts, tuple[j])
			case model.LabelsIndex:
				err = appendLabelsValue(lb, tuple[j])
			case model.LineIndex:
				err = appendLine(line, tuple[j])
			}
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i+1)
			}
		}
		if !set[model.TimestampIndex] {
			ts.AppendNull()
		}
		if !set[model.LabelsIndex] {
			lb.AppendNull()
		}
		if !set[model.LineIndex] {
			line.AppendNull()
		}
	}
	return b.NewRecord(), nil
}

func appendTimestamp(b *array.TimestampBuilder, e sqlparser.Expr) error {
	v, err := literal(e)
	if err != nil {
		return err
	}
	if v == nil {
		b.AppendNull()
		return nil
	}
	ns, err := model.ParseTimestamp(v)
	if err != nil {
		return err
	}
	b.Append(arrow.Timestamp(ns))
	return nil
}

func appendLine(b *array.StringBuilder, e sqlparser.Expr) error {
	v, err := literal(e)
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		b.AppendNull()
	case string:
		b.Append(x)
	default:
		return errors.Errorf("line must be a string, got %s", sqlparser.String(e))
	}
	return nil
}

// appendLabelsValue accepts map('k', 'v', ...) or a JSON object string.
func appendLabelsValue(b *array.MapBuilder, e sqlparser.Expr) error {
	if fn, ok := e.(*sqlparser.FuncExpr); ok {
		if fn.Name.Lowered() != "map" {
			return errors.Errorf("unsupported labels value %s", sqlparser.String(e))
		}
		args, err := funcArgs(fn)
		if err != nil {
			return err
		}
		if len(args)%2 != 0 {
			return errors.New("map needs key value pairs")
		}
		sb := labels.NewScratchBuilder(len(args) / 2)
		for i := 0; i < len(args); i += 2 {
			k, err := literal(args[i])
			if err != nil {
				return err
			}
			v, err := literal(args[i+1])
			if err != nil {
				return err
			}
			ks, ok1 := k.(string)
			vs, ok2 := v.(string)
			if !ok1 || !ok2 {
				return errors.Errorf("map keys and values must be strings in %s", sqlparser.String(e))
			}
			sb.Add(ks, vs)
		}
		sb.Sort()
		model.AppendLabels(b, sb.Labels())
		return nil
	}

	v, err := literal(e)
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		b.AppendNull()
		return nil
	case string:
		ls, err := parseLabelsJSON(x)
		if err != nil {
			return err
		}
		model.AppendLabels(b, ls)
		return nil
	}
	return errors.Errorf("unsupported labels value %s", sqlparser.String(e))
}

func parseLabelsJSON(s string) (labels.Labels, error) {
	sb := labels.NewScratchBuilder(4)
	d := jx.DecodeStr(s)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		v, err := d.Str()
		if err != nil {
			return errors.Wrapf(err, "label %q", key)
		}
		sb.Add(key, v)
		return nil
	}); err != nil {
		return labels.EmptyLabels(), errors.Wrap(err, "labels json")
	}
	sb.Sort()
	return sb.Labels(), nil
}
