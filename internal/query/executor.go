package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"sqlgrep/internal/db"
	"sqlgrep/internal/util"
)

// Field is one column of a result row.
type Field struct {
	Name  string
	Value any
}

// Row preserves the column order of the result set.
type Row []Field

// MarshalJSON renders the row as an object with columns in result order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

// Get returns the value of the named column.
func (r Row) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// LogEntry records one statement as actually sent.
type LogEntry struct {
	Query      string `json:"query"`
	Bindings   []any  `json:"bindings"`
	Connection string `json:"connection,omitempty"`
	Millis     int64  `json:"time"`
}

// Execution is the outcome of one Execute call.
type Execution struct {
	Results []Row
	Queries []LogEntry
}

// ExecutionError wraps a statement failure with the connection it ran on.
type ExecutionError struct {
	Connection string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Connection != "" {
		return fmt.Sprintf("execute query on %s: %v", e.Connection, e.Err)
	}
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor runs validated statements under row and time guards. Each
// call resolves its connection explicitly, so concurrent questions never
// share routing state.
type Executor struct {
	MaxRows      int
	MaxQueryTime int
	Resolver     func(name string) (*db.Conn, error)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Execute runs one statement on the named connection ("" selects the
// default) and returns decoded rows plus the exact SQL sent.
func (e *Executor) Execute(ctx context.Context, query string, bindings []any, connection string) (*Execution, error) {
	conn, err := e.Resolver(connection)
	if err != nil {
		return nil, &ExecutionError{Connection: connection, Err: err}
	}

	query = conn.Rebind(e.applyRowLimit(query))

	if e.MaxQueryTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.MaxQueryTime)*time.Second)
		defer cancel()
	}

	session, err := conn.DB.Conn(ctx)
	if err != nil {
		return nil, &ExecutionError{Connection: conn.Name, Err: err}
	}
	defer util.CloseWithErr(session, "db session")

	if err := e.applyQueryTimeout(ctx, session, conn.Family()); err != nil {
		return nil, &ExecutionError{Connection: conn.Name, Err: err}
	}

	start := time.Now()
	rows, err := session.QueryContext(ctx, query, bindings...)
	if err != nil {
		return nil, &ExecutionError{Connection: conn.Name, Err: err}
	}
	defer util.CloseWithErr(rows, "result rows")

	results, err := scanRows(rows)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &ExecutionError{Connection: conn.Name, Err: err}
	}

	return &Execution{
		Results: results,
		Queries: []LogEntry{{
			Query:      query,
			Bindings:   bindings,
			Connection: conn.Name,
			Millis:     elapsed,
		}},
	}, nil
}

// applyRowLimit appends a LIMIT clause when the statement has none.
func (e *Executor) applyRowLimit(query string) string {
	if e.MaxRows <= 0 {
		return query
	}
	normalized := strings.ToLower(whitespaceRE.ReplaceAllString(strings.TrimSpace(query), " "))
	if strings.Contains(normalized, " limit ") {
		return query
	}
	return strings.TrimRight(query, "; \t\n\r") + fmt.Sprintf(" LIMIT %d", e.MaxRows)
}

// applyQueryTimeout sets a statement-scoped ceiling on the session using
// the engine's own mechanism. SQLite and unclassified engines rely on the
// context deadline alone.
func (e *Executor) applyQueryTimeout(ctx context.Context, session *sql.Conn, family db.Family) error {
	if e.MaxQueryTime <= 0 {
		return nil
	}
	var stmt string
	switch family {
	case db.FamilyMySQL:
		stmt = fmt.Sprintf("SET SESSION MAX_EXECUTION_TIME = %d", e.MaxQueryTime*1000)
	case db.FamilyMariaDB:
		stmt = fmt.Sprintf("SET SESSION max_statement_time = %d", e.MaxQueryTime)
	case db.FamilyPostgres:
		stmt = fmt.Sprintf("SET statement_timeout = %d", e.MaxQueryTime*1000)
	default:
		return nil
	}
	if _, err := session.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "set statement timeout")
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "read columns")
	}

	results := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}

		row := make(Row, len(columns))
		for i, name := range columns {
			row[i] = Field{Name: name, Value: normalizeValue(values[i])}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rows")
	}
	return results, nil
}

// normalizeValue converts driver byte slices to strings so results
// serialize as text rather than base64.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
