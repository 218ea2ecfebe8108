package recipe

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sqlgrep/internal/db"
)

// Store persists recipes for later replay. Rows older than the
// retention window are purged on every save.
type Store struct {
	conn          *db.Conn
	table         string
	retentionDays int
	prepared      bool
}

func NewStore(conn *db.Conn, table string, retentionDays int) *Store {
	if table == "" {
		table = "sqlgrep_recipes"
	}
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &Store{conn: conn, table: table, retentionDays: retentionDays}
}

func (s *Store) ensureTable(ctx context.Context) error {
	if s.prepared {
		return nil
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id VARCHAR(36) PRIMARY KEY,
		question VARCHAR(1000) NOT NULL,
		scope VARCHAR(100) NOT NULL DEFAULT 'default',
		summary TEXT,
		queries TEXT NOT NULL,
		created_at VARCHAR(35) NOT NULL
	)`
	if _, err := s.conn.DB.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s", s.table)
	}
	s.prepared = true
	return nil
}

// Save stores a recipe and returns its generated id.
func (s *Store) Save(ctx context.Context, r Recipe, summary string) (string, error) {
	if err := s.ensureTable(ctx); err != nil {
		return "", err
	}
	if err := s.purgeExpired(ctx); err != nil {
		return "", err
	}

	queries, err := json.Marshal(r.Queries)
	if err != nil {
		return "", errors.Wrap(err, "encode recipe queries")
	}

	id := uuid.NewString()
	_, err = s.conn.DB.ExecContext(ctx,
		s.conn.Rebind(`INSERT INTO `+s.table+` (id, question, scope, summary, queries, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id, r.Question, r.Scope, summary, string(queries), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", errors.Wrap(err, "insert recipe")
	}
	return id, nil
}

// Find loads a recipe by id. A missing id returns (nil, nil).
func (s *Store) Find(ctx context.Context, id string) (*Recipe, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}

	row := s.conn.DB.QueryRowContext(ctx,
		s.conn.Rebind(`SELECT question, scope, queries FROM `+s.table+` WHERE id = ?`), id)

	var r Recipe
	var queries string
	if err := row.Scan(&r.Question, &r.Scope, &queries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load recipe")
	}
	if err := json.Unmarshal([]byte(queries), &r.Queries); err != nil {
		return nil, errors.Wrap(err, "decode recipe queries")
	}
	return &r, nil
}

func (s *Store) purgeExpired(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format(time.RFC3339)
	_, err := s.conn.DB.ExecContext(ctx,
		s.conn.Rebind(`DELETE FROM `+s.table+` WHERE created_at < ?`), cutoff)
	return errors.Wrap(err, "purge expired recipes")
}
