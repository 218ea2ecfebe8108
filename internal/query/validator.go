package query

import (
	"fmt"
	"regexp"
	"strings"
)

// UnsafeQueryError rejects statements that are not plain reads.
type UnsafeQueryError struct{}

func (e *UnsafeQueryError) Error() string {
	return "Only SELECT queries are allowed."
}

// UnknownTableError rejects statements referencing tables outside the
// resolved schema.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("Query references unknown table %q.", e.Table)
}

var (
	blockCommentRE = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRE  = regexp.MustCompile(`--[^\n]*`)
	singleQuoteRE  = regexp.MustCompile(`'[^']*'`)
	doubleQuoteRE  = regexp.MustCompile(`"[^"]*"`)

	tableRefRE = regexp.MustCompile(`(?i)\b(?:from|join)\s+([` + "`" + `"\[]?[\w.]+[` + "`" + `"\]]?)`)
	aliasRE    = regexp.MustCompile(`(?i)\s+as\s+.*`)

	firstCteRE = regexp.MustCompile(`(?i)\bWITH\s+(?:RECURSIVE\s+)?(\w+)\s+AS\s*\(`)
	nextCteRE  = regexp.MustCompile(`(?i),\s*(\w+)\s+AS\s*\(`)
)

// Validate statically checks a candidate statement: it must be a read
// statement and may only reference tables from knownTables. An empty
// knownTables disables the allow-list check. Pure text analysis, runs
// before any connection is touched.
func Validate(query string, knownTables []string) error {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(normalized, "select") && !strings.HasPrefix(normalized, "with") {
		return &UnsafeQueryError{}
	}

	if len(knownTables) == 0 {
		return nil
	}

	known := make(map[string]struct{}, len(knownTables))
	for _, t := range knownTables {
		known[strings.ToLower(t)] = struct{}{}
	}

	for _, table := range ExtractTableNames(query) {
		if _, ok := known[table]; !ok {
			return &UnknownTableError{Table: table}
		}
	}
	return nil
}

// ExtractTableNames returns the lowercased table names referenced in
// FROM and JOIN clauses. Comments and string literals are stripped first
// so table-like text inside them is never counted, and names introduced
// by the query's own WITH clauses are excluded.
func ExtractTableNames(query string) []string {
	cleaned := stripNonCode(query)
	cteAliases := extractCteAliases(cleaned)

	var names []string
	seen := make(map[string]struct{})
	for _, match := range tableRefRE.FindAllStringSubmatch(cleaned, -1) {
		table := strings.TrimSpace(match[1])
		table = aliasRE.ReplaceAllString(table, "")
		if fields := strings.Fields(table); len(fields) > 0 {
			table = fields[0]
		}
		table = strings.Trim(table, "`\"[]")

		if idx := strings.LastIndex(table, "."); idx >= 0 {
			if last := table[idx+1:]; last != "" {
				table = last
			}
		}

		table = strings.ToLower(table)
		if table == "" {
			continue
		}
		if _, ok := cteAliases[table]; ok {
			continue
		}
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		names = append(names, table)
	}
	return names
}

func extractCteAliases(query string) map[string]struct{} {
	aliases := make(map[string]struct{})
	for _, match := range firstCteRE.FindAllStringSubmatch(query, -1) {
		aliases[strings.ToLower(match[1])] = struct{}{}
	}
	for _, match := range nextCteRE.FindAllStringSubmatch(query, -1) {
		aliases[strings.ToLower(match[1])] = struct{}{}
	}
	return aliases
}

// stripNonCode removes comments and string literal contents so that
// table-like substrings inside them cannot be mistaken for references.
func stripNonCode(query string) string {
	query = blockCommentRE.ReplaceAllString(query, "")
	query = lineCommentRE.ReplaceAllString(query, "")
	query = singleQuoteRE.ReplaceAllString(query, "")
	query = doubleQuoteRE.ReplaceAllString(query, "")
	return query
}
