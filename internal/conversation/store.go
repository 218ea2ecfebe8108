// Package conversation persists chat history so follow-up questions keep
// their context across runs.
package conversation

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"sqlgrep/internal/ai"
	"sqlgrep/internal/db"
	"sqlgrep/internal/util"
)

// Store loads and appends conversation turns for a conversation id.
type Store interface {
	Messages(ctx context.Context, conversationID string) ([]ai.Message, error)
	AppendExchange(ctx context.Context, conversationID, userText, assistantText string) error
}

// SQLStore keeps conversations in a database table, trimmed to the last
// maxMessages turns per conversation and purged after ttlDays.
type SQLStore struct {
	conn        *db.Conn
	table       string
	maxMessages int
	ttlDays     int
	prepared    bool
}

func NewSQLStore(conn *db.Conn, table string, maxMessages, ttlDays int) *SQLStore {
	if table == "" {
		table = "sqlgrep_conversations"
	}
	if maxMessages < 1 {
		maxMessages = 1
	}
	if ttlDays < 0 {
		ttlDays = 0
	}
	return &SQLStore{conn: conn, table: table, maxMessages: maxMessages, ttlDays: ttlDays}
}

func (s *SQLStore) ensureTable(ctx context.Context) error {
	if s.prepared {
		return nil
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id ` + s.idColumn() + `,
		context VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL,
		content TEXT NOT NULL,
		created_at VARCHAR(35) NOT NULL
	)`
	if _, err := s.conn.DB.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s", s.table)
	}
	s.prepared = true
	return nil
}

func (s *SQLStore) idColumn() string {
	switch s.conn.Family() {
	case db.FamilyPostgres:
		return "BIGSERIAL PRIMARY KEY"
	case db.FamilySQLite:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	default:
		return "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}
}

// Messages returns the last maxMessages turns in chronological order.
// A blank id yields no history.
func (s *SQLStore) Messages(ctx context.Context, conversationID string) ([]ai.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, nil
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	if err := s.purgeExpired(ctx); err != nil {
		return nil, err
	}

	rows, err := s.conn.DB.QueryContext(ctx,
		s.conn.Rebind(`SELECT role, content FROM `+s.table+` WHERE context = ? ORDER BY id DESC LIMIT ?`),
		conversationID, s.maxMessages,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	defer util.CloseWithErr(rows, "conversation rows")

	var reversed []ai.Message
	for rows.Next() {
		var m ai.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, errors.Wrap(err, "scan conversation row")
		}
		if m.Role == "" || m.Content == "" {
			continue
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate conversation rows")
	}

	messages := make([]ai.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		messages = append(messages, reversed[i])
	}
	return messages, nil
}

// AppendExchange stores one question/answer pair and trims the
// conversation to the configured window. Blank ids are no-ops.
func (s *SQLStore) AppendExchange(ctx context.Context, conversationID, userText, assistantText string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	if err := s.purgeExpired(ctx); err != nil {
		return err
	}

	userText = strings.TrimSpace(userText)
	assistantText = strings.TrimSpace(assistantText)
	if userText == "" && assistantText == "" {
		return nil
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin conversation tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	insert := s.conn.Rebind(`INSERT INTO ` + s.table + ` (context, role, content, created_at) VALUES (?, ?, ?, ?)`)

	if userText != "" {
		if _, err := tx.ExecContext(ctx, insert, conversationID, ai.RoleUser, userText, now); err != nil {
			return errors.Wrap(err, "insert user turn")
		}
	}
	if assistantText != "" {
		if _, err := tx.ExecContext(ctx, insert, conversationID, ai.RoleAssistant, assistantText, now); err != nil {
			return errors.Wrap(err, "insert assistant turn")
		}
	}

	if err := s.trim(ctx, tx, conversationID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit conversation tx")
}

// trim deletes everything older than the newest maxMessages rows.
func (s *SQLStore) trim(ctx context.Context, tx *sql.Tx, conversationID string) error {
	row := tx.QueryRowContext(ctx,
		s.conn.Rebind(`SELECT id FROM `+s.table+` WHERE context = ? ORDER BY id DESC LIMIT 1 OFFSET ?`),
		conversationID, s.maxMessages-1,
	)
	var oldestKept int64
	if err := row.Scan(&oldestKept); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return errors.Wrap(err, "find trim boundary")
	}

	_, err := tx.ExecContext(ctx,
		s.conn.Rebind(`DELETE FROM `+s.table+` WHERE context = ? AND id < ?`),
		conversationID, oldestKept,
	)
	return errors.Wrap(err, "trim conversation")
}

func (s *SQLStore) purgeExpired(ctx context.Context) error {
	if s.ttlDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.ttlDays).Format(time.RFC3339)
	_, err := s.conn.DB.ExecContext(ctx,
		s.conn.Rebind(`DELETE FROM `+s.table+` WHERE created_at < ?`), cutoff)
	return errors.Wrap(err, "purge expired conversations")
}
