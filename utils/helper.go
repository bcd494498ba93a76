package utils

import (
	"bytes"
	"encoding/csv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-faster/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/metrico/lokiduck/engine"
	"github.com/metrico/lokiduck/model"
)

const DefaultFormat = "JSONCompact"

var formatClause = regexp.MustCompile(`(?i)\bFORMAT\s+(\w+)\s*;?\s*$`)

// ExtractAndRemoveFormat extracts a trailing FORMAT clause from the query and
// returns the query without it.
func ExtractAndRemoveFormat(input string) (string, string) {
	match := formatClause.FindStringSubmatch(input)
	if len(match) != 2 {
		return input, ""
	}
	return strings.TrimSpace(formatClause.ReplaceAllString(input, "")), match[1]
}

// FormatResult renders a statement result in one of the ClickHouse style
// output formats.
func FormatResult(res *engine.Result, format string, queryID string) (string, error) {
	switch format {
	case "", "JSONCompact":
		return resultToJSON(res, queryID, true)
	case "JSON":
		return resultToJSON(res, queryID, false)
	case "JSONEachRow":
		return resultToJSONEachRow(res)
	case "CSVWithNames":
		return resultToCSV(res, true)
	case "CSV":
		return resultToCSV(res, false)
	case "TSVWithNames", "TabSeparatedWithNames":
		return resultToTSV(res, true), nil
	case "TSV", "TabSeparated":
		return resultToTSV(res, false), nil
	}
	return "", errors.Errorf("unknown format %q", format)
}

// ContentType returns the HTTP content type of a format.
func ContentType(format string) string {
	switch format {
	case "CSV", "CSVWithNames":
		return "text/csv; charset=utf-8"
	case "TSV", "TabSeparated", "TSVWithNames", "TabSeparatedWithNames":
		return "text/tab-separated-values; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func resultToJSON(res *engine.Result, queryID string, compact bool) (string, error) {
	fields := res.Schema.Fields()
	out := model.OutputJSON{
		Meta: make([]model.Metadata, len(fields)),
		Data: make([][]any, 0, res.NumRows()),
	}
	for i, f := range fields {
		out.Meta[i] = model.Metadata{Name: f.Name, Type: typeName(f.Type)}
	}
	eachRow(res, func(row []any) {
		out.Data = append(out.Data, row)
	})
	out.Rows = len(out.Data)
	out.Statistics = model.Statistics{
		Elapsed:  res.Elapsed.Seconds(),
		RowsRead: out.Rows,
		QueryID:  queryID,
	}
	if compact {
		return json.MarshalToString(out)
	}

	// JSON keeps the envelope but writes rows as objects
	stream := jsoniter.NewStream(json, nil, 4096)
	stream.WriteObjectStart()
	stream.WriteObjectField("meta")
	stream.WriteVal(out.Meta)
	stream.WriteMore()
	stream.WriteObjectField("data")
	stream.WriteArrayStart()
	for i, row := range out.Data {
		if i > 0 {
			stream.WriteMore()
		}
		writeObject(stream, fields, row)
	}
	stream.WriteArrayEnd()
	stream.WriteMore()
	stream.WriteObjectField("rows")
	stream.WriteInt(out.Rows)
	stream.WriteMore()
	stream.WriteObjectField("statistics")
	stream.WriteVal(out.Statistics)
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return "", stream.Error
	}
	return string(stream.Buffer()), nil
}

func resultToJSONEachRow(res *engine.Result) (string, error) {
	fields := res.Schema.Fields()
	stream := jsoniter.NewStream(json, nil, 4096)
	eachRow(res, func(row []any) {
		writeObject(stream, fields, row)
		stream.WriteRaw("\n")
	})
	if stream.Error != nil {
		return "", stream.Error
	}
	return string(stream.Buffer()), nil
}

func writeObject(stream *jsoniter.Stream, fields []arrow.Field, row []any) {
	stream.WriteObjectStart()
	for j, v := range row {
		if j > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(fields[j].Name)
		stream.WriteVal(v)
	}
	stream.WriteObjectEnd()
}

func resultToTSV(res *engine.Result, names bool) string {
	var sb strings.Builder
	if names {
		for i, f := range res.Schema.Fields() {
			if i > 0 {
				sb.WriteByte('\t')
			}
			sb.WriteString(escapeTSV(f.Name))
		}
		sb.WriteByte('\n')
	}
	eachRow(res, func(row []any) {
		for i, v := range row {
			if i > 0 {
				sb.WriteByte('\t')
			}
			if v == nil {
				sb.WriteString(`\N`)
				continue
			}
			sb.WriteString(escapeTSV(text(v)))
		}
		sb.WriteByte('\n')
	})
	return sb.String()
}

var tsvEscaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

func escapeTSV(s string) string { return tsvEscaper.Replace(s) }

func resultToCSV(res *engine.Result, names bool) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	fields := res.Schema.Fields()
	if names {
		header := make([]string, len(fields))
		for i, f := range fields {
			header[i] = f.Name
		}
		if err := w.Write(header); err != nil {
			return "", err
		}
	}
	var err error
	eachRow(res, func(row []any) {
		if err != nil {
			return
		}
		record := make([]string, len(row))
		for i, v := range row {
			if v != nil {
				record[i] = text(v)
			}
		}
		err = w.Write(record)
	})
	if err != nil {
		return "", err
	}
	w.Flush()
	return buf.String(), w.Error()
}

// eachRow calls fn with the values of every row. Timestamps become strings,
// label maps become map[string]string.
func eachRow(res *engine.Result, fn func(row []any)) {
	for _, rec := range res.Records {
		cols := rec.Columns()
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make([]any, len(cols))
			for j, col := range cols {
				row[j] = value(col, i)
			}
			fn(row)
		}
	}
}

func value(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Timestamp:
		return formatTimestamp(int64(c.Value(i)))
	case *array.String:
		return c.Value(i)
	case *array.Int64:
		return c.Value(i)
	case *array.Map:
		keys, kok := c.Keys().(*array.String)
		items, iok := c.Items().(*array.String)
		if !kok || !iok {
			return c.ValueStr(i)
		}
		start, end := c.ValueOffsets(i)
		m := make(map[string]string, end-start)
		for k := start; k < end; k++ {
			m[keys.Value(int(k))] = items.Value(int(k))
		}
		return m
	}
	return col.ValueStr(i)
}

func formatTimestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format("2006-01-02 15:04:05.000000000")
}

// text renders a value for the delimited formats. Label maps are written as
// JSON objects.
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	}
	b, _ := json.MarshalToString(v)
	return b
}

// typeName maps Arrow types to the ClickHouse names clients expect.
func typeName(t arrow.DataType) string {
	switch t.ID() {
	case arrow.TIMESTAMP:
		return "DateTime64(9)"
	case arrow.STRING:
		return "String"
	case arrow.INT64:
		return "Int64"
	case arrow.MAP:
		return "Map(String, String)"
	}
	return t.String()
}
