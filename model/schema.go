package model

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Column names of a Loki table.
const (
	ColumnTimestamp = "timestamp"
	ColumnLabels    = "labels"
	ColumnLine      = "line"
)

// Column indices in Schema.
const (
	TimestampIndex = iota
	LabelsIndex
	LineIndex
)

var (
	TimestampType = &arrow.TimestampType{Unit: arrow.Nanosecond}
	LabelsType    = arrow.MapOf(arrow.BinaryTypes.String, arrow.BinaryTypes.String)
	LineType      = arrow.BinaryTypes.String
)

// Schema is the fixed layout every Loki table exposes.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: ColumnTimestamp, Type: TimestampType},
	{Name: ColumnLabels, Type: LabelsType},
	{Name: ColumnLine, Type: LineType},
}, nil)

// ColumnIndex returns the position of name in Schema or -1.
func ColumnIndex(name string) int {
	switch name {
	case ColumnTimestamp:
		return TimestampIndex
	case ColumnLabels:
		return LabelsIndex
	case ColumnLine:
		return LineIndex
	}
	return -1
}

// FullProjection lists every column of Schema.
func FullProjection() []int {
	return []int{TimestampIndex, LabelsIndex, LineIndex}
}

// ProjectSchema keeps the fields named by projection in the given order.
// A nil projection means all columns.
func ProjectSchema(projection []int) (*arrow.Schema, error) {
	if projection == nil {
		return Schema, nil
	}
	fields := make([]arrow.Field, 0, len(projection))
	for _, idx := range projection {
		if idx < 0 || idx >= Schema.NumFields() {
			return nil, fmt.Errorf("projection index %d out of range", idx)
		}
		fields = append(fields, Schema.Field(idx))
	}
	return arrow.NewSchema(fields, nil), nil
}
