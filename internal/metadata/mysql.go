package metadata

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"sqlgrep/internal/db"
	"sqlgrep/internal/util"
)

// MySQLLoader reads table, column, and foreign-key metadata from
// information_schema on MySQL and MariaDB.
type MySQLLoader struct{}

func (l *MySQLLoader) Load(ctx context.Context, conn *db.Conn, exclude []string) ([]Table, error) {
	skip := excludeSet(exclude)

	tables, order, err := l.loadTables(ctx, conn, skip)
	if err != nil {
		return nil, err
	}
	if err := l.loadColumns(ctx, conn, tables); err != nil {
		return nil, err
	}
	if err := l.loadRelationships(ctx, conn, tables); err != nil {
		return nil, err
	}

	result := make([]Table, 0, len(order))
	for _, name := range order {
		result = append(result, *tables[name])
	}
	return result, nil
}

func (l *MySQLLoader) loadTables(ctx context.Context, conn *db.Conn, skip map[string]struct{}) (map[string]*Table, []string, error) {
	rows, err := conn.DB.QueryContext(ctx, `
		SELECT table_name, COALESCE(table_comment, '')
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list tables")
	}
	defer util.CloseWithErr(rows, "table rows")

	tables := make(map[string]*Table)
	var order []string
	for rows.Next() {
		var name, comment string
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, nil, errors.Wrap(err, "scan table row")
		}
		if excluded(skip, name) {
			continue
		}
		tables[name] = &Table{Name: name, Description: comment}
		order = append(order, name)
	}
	return tables, order, errors.Wrap(rows.Err(), "iterate table rows")
}

func (l *MySQLLoader) loadColumns(ctx context.Context, conn *db.Conn, tables map[string]*Table) error {
	rows, err := conn.DB.QueryContext(ctx, `
		SELECT table_name, column_name, column_type, COALESCE(column_comment, '')
		FROM information_schema.columns
		WHERE table_schema = DATABASE()
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return errors.Wrap(err, "list columns")
	}
	defer util.CloseWithErr(rows, "column rows")

	for rows.Next() {
		var table, column, typ, comment string
		if err := rows.Scan(&table, &column, &typ, &comment); err != nil {
			return errors.Wrap(err, "scan column row")
		}
		t, ok := tables[table]
		if !ok {
			continue
		}
		t.Columns = append(t.Columns, Column{Name: column, Type: typ, Description: comment})
	}
	return errors.Wrap(rows.Err(), "iterate column rows")
}

// loadRelationships derives belongsTo links from foreign-key
// constraints in key_column_usage.
func (l *MySQLLoader) loadRelationships(ctx context.Context, conn *db.Conn, tables map[string]*Table) error {
	rows, err := conn.DB.QueryContext(ctx, `
		SELECT table_name, column_name, referenced_table_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL
		ORDER BY table_name, column_name`)
	if err != nil {
		return errors.Wrap(err, "list foreign keys")
	}
	defer util.CloseWithErr(rows, "foreign key rows")

	for rows.Next() {
		var table, column string
		var referenced sql.NullString
		if err := rows.Scan(&table, &column, &referenced); err != nil {
			return errors.Wrap(err, "scan foreign key row")
		}
		t, ok := tables[table]
		if !ok || !referenced.Valid {
			continue
		}
		t.Relationships = append(t.Relationships, Relationship{
			Type:       "belongsTo",
			Table:      referenced.String,
			ForeignKey: column,
		})
	}
	return errors.Wrap(rows.Err(), "iterate foreign key rows")
}
