package metadata

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"sqlgrep/internal/db"
)

// Loader discovers table metadata from a live connection for the auto
// and merged schema modes.
type Loader interface {
	Load(ctx context.Context, conn *db.Conn, exclude []string) ([]Table, error)
}

// AutoLoader dispatches to the engine-specific loader for the
// connection it is given.
type AutoLoader struct{}

func NewAutoLoader() *AutoLoader { return &AutoLoader{} }

func (l *AutoLoader) Load(ctx context.Context, conn *db.Conn, exclude []string) ([]Table, error) {
	switch conn.Family() {
	case db.FamilyMySQL, db.FamilyMariaDB:
		return (&MySQLLoader{}).Load(ctx, conn, exclude)
	case db.FamilyPostgres:
		return (&PostgresLoader{}).Load(ctx, conn, exclude)
	case db.FamilySQLite:
		return (&SQLiteLoader{}).Load(ctx, conn, exclude)
	default:
		return nil, errors.Errorf("schema discovery not supported for driver %q", conn.Driver)
	}
}

// excludeSet lowercases the exclusion list for case-insensitive checks.
func excludeSet(exclude []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func excluded(set map[string]struct{}, table string) bool {
	_, ok := set[strings.ToLower(table)]
	return ok
}
