package query

import (
	"errors"
	"reflect"
	"testing"
)

func TestValidatePasses(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		tables []string
	}{
		{"simple select", "SELECT * FROM users", []string{"users"}},
		{"join", "SELECT u.name, o.total FROM users u JOIN orders o ON u.id = o.user_id", []string{"users", "orders"}},
		{"empty known tables skips check", "SELECT * FROM anything", nil},
		{"cte over known table", "WITH recent AS (SELECT * FROM orders WHERE created_at > ?) SELECT * FROM recent", []string{"orders"}},
	}
	for _, tc := range cases {
		if err := Validate(tc.query, tc.tables); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
	}
}

func TestValidateRejectsMutations(t *testing.T) {
	cases := []string{
		"DELETE FROM users",
		"INSERT INTO users (name) VALUES (?)",
		"UPDATE users SET name = ?",
		"DROP TABLE users",
		"  truncate table users",
	}
	for _, query := range cases {
		err := Validate(query, []string{"users"})
		var unsafe *UnsafeQueryError
		if !errors.As(err, &unsafe) {
			t.Fatalf("%q: error = %v, want UnsafeQueryError", query, err)
		}
	}
}

func TestValidateRejectsUnknownTable(t *testing.T) {
	err := Validate("SELECT * FROM secrets", []string{"users", "orders"})
	var unknown *UnknownTableError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownTableError", err)
	}
	if unknown.Table != "secrets" {
		t.Fatalf("table = %q", unknown.Table)
	}
}

func TestExtractTableNames(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"simple from", "SELECT * FROM users", []string{"users"}},
		{"join", "SELECT * FROM users JOIN orders ON users.id = orders.user_id", []string{"users", "orders"}},
		{"multiple joins", "SELECT * FROM users u LEFT JOIN orders o ON u.id = o.user_id INNER JOIN products p ON o.product_id = p.id", []string{"users", "orders", "products"}},
		{"backtick quoted", "SELECT * FROM `users`", []string{"users"}},
		{"alias without as", "SELECT * FROM users u", []string{"users"}},
		{"alias with as", "SELECT * FROM users AS u", []string{"users"}},
		{"schema prefix", "SELECT * FROM mydb.users", []string{"users"}},
		{"deduplicates", "SELECT * FROM users JOIN users ON users.id = users.manager_id", []string{"users"}},
		{"string literal ignored", "SELECT * FROM users WHERE description LIKE '%data from secret_table%'", []string{"users"}},
		{"line comment ignored", "SELECT * FROM users -- from secret_table", []string{"users"}},
		{"block comment ignored", "SELECT * FROM users /* JOIN secret_table ON 1=1 */", []string{"users"}},
	}
	for _, tc := range cases {
		got := ExtractTableNames(tc.query)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExtractTableNamesExcludesCTEs(t *testing.T) {
	got := ExtractTableNames("WITH monthly AS (SELECT * FROM orders) SELECT * FROM monthly")
	if !reflect.DeepEqual(got, []string{"orders"}) {
		t.Fatalf("got %v", got)
	}

	got = ExtractTableNames("WITH user_totals AS (SELECT * FROM users), order_totals AS (SELECT * FROM orders) SELECT * FROM user_totals JOIN order_totals ON 1=1")
	if !reflect.DeepEqual(got, []string{"users", "orders"}) {
		t.Fatalf("got %v", got)
	}

	got = ExtractTableNames("WITH RECURSIVE tree AS (SELECT * FROM categories UNION ALL SELECT c.* FROM categories c JOIN tree t ON c.parent_id = t.id) SELECT * FROM tree")
	if !reflect.DeepEqual(got, []string{"categories"}) {
		t.Fatalf("got %v", got)
	}
}
