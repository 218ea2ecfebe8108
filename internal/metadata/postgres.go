package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"sqlgrep/internal/db"
	"sqlgrep/internal/util"
)

// PostgresLoader reads metadata from information_schema plus the
// pg_catalog comment functions, for tables in the public schema.
type PostgresLoader struct{}

func (l *PostgresLoader) Load(ctx context.Context, conn *db.Conn, exclude []string) ([]Table, error) {
	skip := excludeSet(exclude)

	rows, err := conn.DB.QueryContext(ctx, `
		SELECT table_name,
		       COALESCE(obj_description((quote_ident(table_schema) || '.' || quote_ident(table_name))::regclass), '')
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, errors.Wrap(err, "list tables")
	}
	defer util.CloseWithErr(rows, "table rows")

	tables := make(map[string]*Table)
	var order []string
	for rows.Next() {
		var name, comment string
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, errors.Wrap(err, "scan table row")
		}
		if excluded(skip, name) {
			continue
		}
		tables[name] = &Table{Name: name, Description: comment}
		order = append(order, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate table rows")
	}

	if err := l.loadColumns(ctx, conn, tables); err != nil {
		return nil, err
	}

	result := make([]Table, 0, len(order))
	for _, name := range order {
		result = append(result, *tables[name])
	}
	return result, nil
}

func (l *PostgresLoader) loadColumns(ctx context.Context, conn *db.Conn, tables map[string]*Table) error {
	rows, err := conn.DB.QueryContext(ctx, `
		SELECT c.table_name, c.column_name, c.data_type, c.udt_name,
		       c.character_maximum_length, c.numeric_precision, c.numeric_scale,
		       COALESCE(pgd.description, '')
		FROM information_schema.columns c
		LEFT JOIN pg_catalog.pg_statio_all_tables st
		       ON st.relname = c.table_name AND st.schemaname = c.table_schema
		LEFT JOIN pg_catalog.pg_description pgd
		       ON pgd.objoid = st.relid AND pgd.objsubid = c.ordinal_position
		WHERE c.table_schema = 'public'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return errors.Wrap(err, "list columns")
	}
	defer util.CloseWithErr(rows, "column rows")

	for rows.Next() {
		var table, column, dataType, udtName, comment string
		var maxLength, precision, scale sql.NullInt64
		if err := rows.Scan(&table, &column, &dataType, &udtName, &maxLength, &precision, &scale, &comment); err != nil {
			return errors.Wrap(err, "scan column row")
		}
		t, ok := tables[table]
		if !ok {
			continue
		}
		t.Columns = append(t.Columns, Column{
			Name:        column,
			Type:        formatPostgresType(dataType, udtName, maxLength, precision, scale),
			Description: comment,
		})
	}
	return errors.Wrap(rows.Err(), "iterate column rows")
}

// formatPostgresType renders the catalog type the way the model expects
// to read it: varchar(n), numeric(p,s), or the udt name for enums.
func formatPostgresType(dataType, udtName string, maxLength, precision, scale sql.NullInt64) string {
	switch dataType {
	case "character varying":
		if maxLength.Valid && maxLength.Int64 > 0 {
			return fmt.Sprintf("varchar(%d)", maxLength.Int64)
		}
		return "varchar"
	case "numeric":
		if precision.Valid && precision.Int64 > 0 && scale.Valid && scale.Int64 > 0 {
			return fmt.Sprintf("numeric(%d,%d)", precision.Int64, scale.Int64)
		}
		return "numeric"
	case "USER-DEFINED":
		if udtName != "" {
			return udtName
		}
		return "unknown"
	case "":
		if udtName != "" {
			return udtName
		}
		return "unknown"
	default:
		return dataType
	}
}
