package engine

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-faster/errors"
	"github.com/xwb1989/sqlparser"

	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/model"
)

type outputColumn struct {
	name string
	// src is an expr.Column or an expr.Label
	src expr.Expr
}

type output struct {
	cols []outputColumn
}

func newOutput(exprs sqlparser.SelectExprs) (*output, error) {
	o := &output{}
	for _, se := range exprs {
		switch n := se.(type) {
		case *sqlparser.StarExpr:
			for _, f := range model.Schema.Fields() {
				o.cols = append(o.cols, outputColumn{name: f.Name, src: expr.Column{Name: f.Name}})
			}
		case *sqlparser.AliasedExpr:
			src, err := convert(n.Expr)
			if err != nil {
				return nil, err
			}
			switch src.(type) {
			case expr.Column, expr.Label:
			default:
				return nil, errors.Errorf("unsupported select expression %s", sqlparser.String(n.Expr))
			}
			name := src.String()
			if !n.As.IsEmpty() {
				name = n.As.String()
			}
			o.cols = append(o.cols, outputColumn{name: name, src: src})
		default:
			return nil, errors.Errorf("unsupported select expression %s", sqlparser.String(se))
		}
	}
	return o, nil
}

func (o *output) names() []string {
	out := make([]string, len(o.cols))
	for i, c := range o.cols {
		out[i] = c.name
	}
	return out
}

// columns lists the table columns the output reads.
func (o *output) columns() []string {
	var out []string
	for _, c := range o.cols {
		out = append(out, expr.Columns(c.src)...)
	}
	return out
}

func (o *output) schema() *arrow.Schema {
	fields := make([]arrow.Field, len(o.cols))
	for i, c := range o.cols {
		switch src := c.src.(type) {
		case expr.Column:
			f := model.Schema.Field(model.ColumnIndex(src.Name))
			f.Name = c.name
			fields[i] = f
		case expr.Label:
			fields[i] = arrow.Field{Name: c.name, Type: arrow.BinaryTypes.String, Nullable: true}
		}
	}
	return arrow.NewSchema(fields, nil)
}

func (o *output) build(mem memory.Allocator, rows []model.Row) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, o.schema())
	defer b.Release()
	for i, c := range o.cols {
		switch src := c.src.(type) {
		case expr.Label:
			fb := b.Field(i).(*array.StringBuilder)
			for _, r := range rows {
				if v := r.Labels.Get(src.Key); v != "" {
					fb.Append(v)
				} else {
					fb.AppendNull()
				}
			}
		case expr.Column:
			switch src.Name {
			case model.ColumnTimestamp:
				fb := b.Field(i).(*array.TimestampBuilder)
				for _, r := range rows {
					fb.Append(arrow.Timestamp(r.Timestamp))
				}
			case model.ColumnLabels:
				fb := b.Field(i).(*array.MapBuilder)
				for _, r := range rows {
					model.AppendLabels(fb, r.Labels)
				}
			case model.ColumnLine:
				fb := b.Field(i).(*array.StringBuilder)
				for _, r := range rows {
					fb.Append(r.Line)
				}
			default:
				return nil, errors.Errorf("unknown column %q", src.Name)
			}
		}
	}
	return b.NewRecord(), nil
}
