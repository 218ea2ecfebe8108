package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sqlgrep/internal/db"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one recorded question run.
type Entry struct {
	ID               string `json:"id"`
	Question         string `json:"question"`
	Scope            string `json:"scope"`
	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Status           string `json:"status"`
	Summary          string `json:"summary,omitempty"`
	Steps            string `json:"steps,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ErrorClass       string `json:"error_class,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
	Iterations       int    `json:"iterations"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TokenEstimate    int    `json:"token_estimate"`
	TablesTotal      int    `json:"tables_total"`
	TablesFiltered   int    `json:"tables_filtered"`
	DebugQueries     string `json:"debug_queries,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// Summary aggregates recorded runs per scope and status.
type Summary struct {
	Scope            string `json:"scope"`
	Status           string `json:"status"`
	Count            int    `json:"count"`
	AvgDurationMs    int64  `json:"avg_duration_ms"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Store persists execution logs. Rows older than the retention window
// are purged on every record.
type Store struct {
	conn          *db.Conn
	table         string
	retentionDays int
	prepared      bool
}

func NewStore(conn *db.Conn, table string, retentionDays int) *Store {
	if table == "" {
		table = "sqlgrep_logs"
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
		model VARCHAR(100),
		provider VARCHAR(50),
		conversation_id VARCHAR(255),
		user_id VARCHAR(255),
		status VARCHAR(20) NOT NULL,
		summary TEXT,
		steps TEXT,
		error_message VARCHAR(2000),
		error_class VARCHAR(255),
		duration_ms BIGINT NOT NULL DEFAULT 0,
		iterations INT NOT NULL DEFAULT 0,
		prompt_tokens INT NOT NULL DEFAULT 0,
		completion_tokens INT NOT NULL DEFAULT 0,
		token_estimate INT NOT NULL DEFAULT 0,
		tables_total INT NOT NULL DEFAULT 0,
		tables_filtered INT NOT NULL DEFAULT 0,
		debug_queries TEXT,
		created_at VARCHAR(35) NOT NULL
	)`
	if _, err := s.conn.DB.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s", s.table)
	}
	s.prepared = true
	return nil
}

// Record stores one entry, assigning an id and timestamp.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if err := s.ensureTable(ctx); err != nil {
		return "", err
	}
	if err := s.purgeExpired(ctx); err != nil {
		return "", err
	}

	e.ID = uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		e.ID = v7.String()
	}
	e.CreatedAt = time.Now().UTC().Format(time.RFC3339)

	_, err := s.conn.DB.ExecContext(ctx,
		s.conn.Rebind(`INSERT INTO `+s.table+` (
			id, question, scope, model, provider, conversation_id, user_id,
			status, summary, steps, error_message, error_class,
			duration_ms, iterations, prompt_tokens, completion_tokens, token_estimate,
			tables_total, tables_filtered, debug_queries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Question, e.Scope, e.Model, e.Provider, e.ConversationID, e.UserID,
		e.Status, e.Summary, e.Steps, e.ErrorMessage, e.ErrorClass,
		e.DurationMs, e.Iterations, e.PromptTokens, e.CompletionTokens, e.TokenEstimate,
		e.TablesTotal, e.TablesFiltered, e.DebugQueries, e.CreatedAt,
	)
	if err != nil {
		return "", errors.Wrap(err, "insert log entry")
	}
	return e.ID, nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := s.conn.DB.QueryContext(ctx,
		s.conn.Rebind(`SELECT id, question, scope, model, provider, conversation_id, user_id,
			status, summary, steps, error_message, error_class,
			duration_ms, iterations, prompt_tokens, completion_tokens, token_estimate,
			tables_total, tables_filtered, debug_queries, created_at
		FROM `+s.table+` ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "load recent entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.Question, &e.Scope, &e.Model, &e.Provider, &e.ConversationID, &e.UserID,
			&e.Status, &e.Summary, &e.Steps, &e.ErrorMessage, &e.ErrorClass,
			&e.DurationMs, &e.Iterations, &e.PromptTokens, &e.CompletionTokens, &e.TokenEstimate,
			&e.TablesTotal, &e.TablesFiltered, &e.DebugQueries, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan log entry")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "read log entries")
}

// Summaries aggregates entries grouped by scope and status.
func (s *Store) Summaries(ctx context.Context) ([]Summary, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT scope, status, COUNT(*), COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM `+s.table+` GROUP BY scope, status ORDER BY scope, status`)
	if err != nil {
		return nil, errors.Wrap(err, "load summaries")
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var avg float64
		if err := rows.Scan(&sum.Scope, &sum.Status, &sum.Count, &avg,
			&sum.PromptTokens, &sum.CompletionTokens); err != nil {
			return nil, errors.Wrap(err, "scan summary")
		}
		sum.AvgDurationMs = int64(avg)
		summaries = append(summaries, sum)
	}
	return summaries, errors.Wrap(rows.Err(), "read summaries")
}

func (s *Store) purgeExpired(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format(time.RFC3339)
	_, err := s.conn.DB.ExecContext(ctx,
		s.conn.Rebind(`DELETE FROM `+s.table+` WHERE created_at < ?`), cutoff)
	return errors.Wrap(err, "purge expired entries")
}
