// Package db manages named database connections across engine families.
package db

import (
	"database/sql"
	"strconv"
	"strings"

	"sqlgrep/internal/util"

	"github.com/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Family groups drivers that share statement-timeout semantics.
type Family string

const (
	FamilyMySQL    Family = "mysql"
	FamilyMariaDB  Family = "mariadb"
	FamilyPostgres Family = "postgres"
	FamilySQLite   Family = "sqlite"
	FamilyOther    Family = "other"
)

// Conn is a named handle to one database.
type Conn struct {
	DB     *sql.DB
	Name   string
	Driver string
}

// Family classifies the connection's engine for guard selection.
func (c *Conn) Family() Family {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return FamilyMySQL
	case "mariadb":
		return FamilyMariaDB
	case "postgres", "postgresql", "pgx":
		return FamilyPostgres
	case "sqlite", "sqlite3":
		return FamilySQLite
	default:
		return FamilyOther
	}
}

// Registry holds every configured connection, keyed by name.
type Registry struct {
	conns map[string]*Conn
	def   string
}

// Spec names the driver and DSN for one connection.
type Spec struct {
	Driver string
	DSN    string
}

// Open connects every configured connection eagerly so that bad DSNs
// surface at startup rather than mid-question.
func Open(connections map[string]Spec, defaultName string) (*Registry, error) {
	r := &Registry{conns: make(map[string]*Conn, len(connections)), def: defaultName}
	for name, cc := range connections {
		driverName, err := sqlDriver(cc.Driver)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "connection %q", name)
		}
		handle, err := sql.Open(driverName, cc.DSN)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "open connection %q", name)
		}
		r.conns[name] = &Conn{DB: handle, Name: name, Driver: strings.ToLower(cc.Driver)}
	}
	if r.def == "" && len(r.conns) == 1 {
		for name := range r.conns {
			r.def = name
		}
	}
	return r, nil
}

// sqlDriver maps a configured driver to its database/sql registration.
func sqlDriver(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "mysql", "mariadb":
		return "mysql", nil
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", errors.Errorf("unsupported driver %q", driver)
	}
}

// Rebind rewrites ? placeholders to the dialect of the connection.
// Postgres wants $1, $2, ...; the other supported engines take ? as is.
func (c *Conn) Rebind(query string) string {
	if c.Family() != FamilyPostgres {
		return query
	}
	var buf strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			buf.WriteByte('$')
			buf.WriteString(strconv.Itoa(n))
			continue
		}
		buf.WriteByte(query[i])
	}
	return buf.String()
}

// Get returns the connection for name, or the default when name is blank.
func (r *Registry) Get(name string) (*Conn, error) {
	if name == "" {
		name = r.def
	}
	if name == "" {
		return nil, errors.New("no default connection configured")
	}
	conn, ok := r.conns[name]
	if !ok {
		return nil, errors.Errorf("unknown connection %q", name)
	}
	return conn, nil
}

// DefaultName returns the name of the default connection.
func (r *Registry) DefaultName() string {
	return r.def
}

// Close closes all connections.
func (r *Registry) Close() {
	for name, conn := range r.conns {
		util.CloseWithErr(conn.DB, "connection "+name)
	}
}
