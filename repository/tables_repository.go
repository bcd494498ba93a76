package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Export describes a result materialized into a DuckDB table.
type Export struct {
	Name       string
	Query      string
	FieldNames []string
	FieldTypes []string
	Rows       int64
	ExportedAt time.Time
}

func CreateExportsTable(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS lokiduck_exports (
		name VARCHAR PRIMARY KEY,
		query VARCHAR,
		field_names VARCHAR[],
		field_types VARCHAR[],
		row_count BIGINT,
		exported_at TIMESTAMP
	);
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "failed to create 'lokiduck_exports' table in DuckDB")
	}
	return nil
}

// RecordExport upserts the metadata of an export. Rows accumulate over
// repeated exports into the same table.
func RecordExport(ctx context.Context, db *sql.DB, e Export) error {
	args := []any{e.Name, e.Query}
	names := listParams(e.FieldNames, &args)
	types := listParams(e.FieldTypes, &args)
	args = append(args, e.Rows, e.ExportedAt.UTC())
	query := fmt.Sprintf(`INSERT INTO lokiduck_exports (
		name, query, field_names, field_types, row_count, exported_at
	)
	VALUES (?, ?, %s, %s, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		query = excluded.query,
		field_names = excluded.field_names,
		field_types = excluded.field_types,
		row_count = lokiduck_exports.row_count + excluded.row_count,
		exported_at = excluded.exported_at;`, names, types)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to insert export metadata")
	}
	return nil
}

func ListExports(ctx context.Context, db *sql.DB) ([]Export, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, query, field_names, field_types, row_count, exported_at FROM lokiduck_exports ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query exports")
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var (
			e             Export
			names, types any
		)
		if err := rows.Scan(&e.Name, &e.Query, &names, &types, &e.Rows, &e.ExportedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		e.FieldNames = toStrings(names)
		e.FieldTypes = toStrings(types)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error occurred during row iteration")
	}
	return out, nil
}

// listParams appends items to args and returns a list expression binding
// them.
func listParams(items []string, args *[]any) string {
	if len(items) == 0 {
		return "[]::VARCHAR[]"
	}
	marks := make([]string, len(items))
	for i, item := range items {
		marks[i] = "?::VARCHAR"
		*args = append(*args, item)
	}
	return "[" + strings.Join(marks, ", ") + "]"
}

func toStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}
