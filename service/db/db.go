package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-faster/errors"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/metrico/lokiduck/engine"
)

// ConnectDuckDB opens and returns a connection to DuckDB. An empty path
// opens an in-memory database.
func ConnectDuckDB(filePath string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open DuckDB")
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to connect to DuckDB")
	}
	return db, nil
}

// Materialize stores a statement result in table, creating it from the
// result schema when missing. It returns the number of appended rows.
func Materialize(ctx context.Context, db *sql.DB, table string, res *engine.Result) (int64, error) {
	ddl, err := createTable(table, res.Schema)
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return 0, errors.Wrapf(err, "create table %s", table)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int64
	err = conn.Raw(func(dc any) error {
		c, ok := dc.(driver.Conn)
		if !ok {
			return errors.Errorf("unexpected driver connection %T", dc)
		}
		a, err := duckdb.NewAppenderFromConn(c, "", table)
		if err != nil {
			return errors.Wrapf(err, "appender for %s", table)
		}
		for _, rec := range res.Records {
			cols := rec.Columns()
			row := make([]driver.Value, len(cols))
			for i := 0; i < int(rec.NumRows()); i++ {
				for j, col := range cols {
					row[j] = value(col, i)
				}
				if err := a.AppendRow(row...); err != nil {
					_ = a.Close()
					return errors.Wrapf(err, "append row %d", n+1)
				}
				n++
			}
		}
		return a.Close()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func createTable(table string, schema *arrow.Schema) (string, error) {
	cols := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		typ, err := columnType(f.Type)
		if err != nil {
			return "", errors.Wrapf(err, "column %s", f.Name)
		}
		cols[i] = quoteIdent(f.Name) + " " + typ
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", ")), nil
}

func columnType(t arrow.DataType) (string, error) {
	switch t.ID() {
	case arrow.TIMESTAMP:
		return "TIMESTAMP_NS", nil
	case arrow.STRING:
		return "VARCHAR", nil
	case arrow.INT64:
		return "BIGINT", nil
	case arrow.MAP:
		return "MAP(VARCHAR, VARCHAR)", nil
	}
	return "", errors.Errorf("unsupported type %s", t)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func value(col arrow.Array, i int) driver.Value {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Timestamp:
		return time.Unix(0, int64(c.Value(i))).UTC()
	case *array.String:
		return c.Value(i)
	case *array.Int64:
		return c.Value(i)
	case *array.Map:
		keys := c.Keys().(*array.String)
		items := c.Items().(*array.String)
		start, end := c.ValueOffsets(i)
		m := duckdb.Map{}
		for k := start; k < end; k++ {
			m[keys.Value(int(k))] = items.Value(int(k))
		}
		return m
	}
	return col.ValueStr(i)
}
