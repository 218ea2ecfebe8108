package metadata

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"sqlgrep/internal/db"
	"sqlgrep/internal/util"
)

// SQLiteLoader reads metadata from sqlite_master and the table_info and
// foreign_key_list pragmas.
type SQLiteLoader struct{}

func (l *SQLiteLoader) Load(ctx context.Context, conn *db.Conn, exclude []string) ([]Table, error) {
	skip := excludeSet(exclude)

	rows, err := conn.DB.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list tables")
	}
	defer util.CloseWithErr(rows, "table rows")

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan table row")
		}
		if excluded(skip, name) {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate table rows")
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table := Table{Name: name}
		if err := l.loadColumns(ctx, conn, &table); err != nil {
			return nil, err
		}
		if err := l.loadRelationships(ctx, conn, &table); err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (l *SQLiteLoader) loadColumns(ctx context.Context, conn *db.Conn, table *Table) error {
	rows, err := conn.DB.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table.Name)
	if err != nil {
		return errors.Wrapf(err, "table_info %s", table.Name)
	}
	defer util.CloseWithErr(rows, "column rows")

	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return errors.Wrap(err, "scan column row")
		}
		table.Columns = append(table.Columns, Column{Name: name, Type: strings.ToLower(typ)})
	}
	return errors.Wrapf(rows.Err(), "iterate columns of %s", table.Name)
}

func (l *SQLiteLoader) loadRelationships(ctx context.Context, conn *db.Conn, table *Table) error {
	rows, err := conn.DB.QueryContext(ctx, `SELECT "table", "from" FROM pragma_foreign_key_list(?)`, table.Name)
	if err != nil {
		return errors.Wrapf(err, "foreign_key_list %s", table.Name)
	}
	defer util.CloseWithErr(rows, "foreign key rows")

	for rows.Next() {
		var referenced string
		var from sql.NullString
		if err := rows.Scan(&referenced, &from); err != nil {
			return errors.Wrap(err, "scan foreign key row")
		}
		rel := Relationship{Type: "belongsTo", Table: referenced}
		if from.Valid {
			rel.ForeignKey = from.String
		}
		table.Relationships = append(table.Relationships, rel)
	}
	return errors.Wrapf(rows.Err(), "iterate foreign keys of %s", table.Name)
}
