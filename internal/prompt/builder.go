package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sqlgrep/internal/ai"
	"sqlgrep/internal/metadata"
)

// Database identifies the engine behind the default connection so the
// model can target the right SQL dialect.
type Database struct {
	Type string
	Name string
}

// PreviousQuery is one statement from a saved recipe, replayed verbatim
// or with refreshed parameters.
type PreviousQuery struct {
	Query    string `json:"query"`
	Bindings []any  `json:"bindings"`
	Reason   string `json:"reason,omitempty"`
}

// BuildQueryMessages assembles the full message sequence for one question:
// a system message with the rendered schema, any prior conversation turns,
// and the operating contract with the question itself.
func BuildQueryMessages(
	question string,
	tables []metadata.Table,
	userLanguage string,
	database *Database,
	customSystemPrompt string,
	history []ai.Message,
) []ai.Message {
	messages := []ai.Message{{
		Role:    ai.RoleSystem,
		Content: buildSystemPrompt(tables, userLanguage, database, customSystemPrompt),
	}}

	for _, m := range history {
		role := strings.TrimSpace(strings.ToLower(m.Role))
		content := strings.TrimSpace(m.Content)
		if content == "" || (role != ai.RoleUser && role != ai.RoleAssistant) {
			continue
		}
		messages = append(messages, ai.Message{Role: role, Content: content})
	}

	return append(messages, ai.Message{
		Role:    ai.RoleUser,
		Content: buildUserPrompt(question, tables),
	})
}

// BuildForceAnswerMessage instructs the model to answer with whatever
// data it has collected so far. Appended when the iteration budget runs out.
func BuildForceAnswerMessage(userLanguage string) ai.Message {
	return ai.Message{
		Role: ai.RoleUser,
		Content: fmt.Sprintf(
			`You have reached the maximum number of queries. Based on the data collected so far, provide your best final answer now. Respond with: {"action": "answer", "summary": "<your answer in %s>"}`,
			userLanguage,
		),
	}
}

// BuildSchemaFilterMessages asks the model to pick the tables relevant to
// a question from name and description alone.
func BuildSchemaFilterMessages(question string, tables []metadata.Table) []ai.Message {
	var lines []string
	for _, t := range tables {
		if t.Name == "" {
			continue
		}
		desc := strings.TrimSpace(t.Description)
		if desc != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, desc))
		} else {
			lines = append(lines, fmt.Sprintf("- %s", t.Name))
		}
	}

	return []ai.Message{
		{
			Role:    ai.RoleSystem,
			Content: "You are a database schema analyst. Given a list of tables and a user question, identify which tables are needed to answer the question. Include tables that might be needed for JOINs or relationships, even if not directly mentioned in the question.",
		},
		{
			Role: ai.RoleUser,
			Content: strings.Join([]string{
				"Available tables:",
				strings.Join(lines, "\n"),
				"Question: " + question,
				`Respond with ONLY a JSON object: {"tables": ["table1", "table2", ...]}`,
			}, "\n\n"),
		},
	}
}

// BuildReplayMessages reruns a saved query sequence, letting the model
// refresh time-relative parameters against the current date instead of
// re-exploring the schema.
func BuildReplayMessages(
	question string,
	tables []metadata.Table,
	previousQueries []PreviousQuery,
	userLanguage string,
	database *Database,
	customSystemPrompt string,
	now time.Time,
) []ai.Message {
	encoded, err := json.Marshal(previousQueries)
	if err != nil {
		encoded = []byte("[]")
	}

	userParts := []string{
		"This question was answered before. The queries below produced the answer last time. Re-run them, adjusting only time-relative parameters (dates, ranges) to the current date where the original question implies them. Do not redesign the queries unless one fails.",
		"Current date: " + now.Format("2006-01-02"),
		"Previous queries: " + string(encoded),
		operatingContract(tables),
		"Question: " + question,
	}

	return []ai.Message{
		{
			Role:    ai.RoleSystem,
			Content: buildSystemPrompt(tables, userLanguage, database, customSystemPrompt),
		},
		{
			Role:    ai.RoleUser,
			Content: strings.Join(userParts, "\n\n"),
		},
	}
}

// Formats accepted by BuildFormatMessages.
const (
	FormatQuery        = "query"
	FormatNotification = "notification"
)

// BuildFormatMessages asks the model to reshape a finished answer into a
// structured JSON payload for downstream consumption.
func BuildFormatMessages(stepsJSON, summary, userLanguage, format string) ([]ai.Message, error) {
	var instruction string
	switch format {
	case FormatQuery:
		instruction = `Transform the collected data into a flat result set. Respond with ONLY a JSON object: {"columns": ["col1", "col2", ...], "rows": [[...], [...]]}. Column names and row values come from the query results below. Do not invent values.`
	case FormatNotification:
		instruction = fmt.Sprintf(`Transform the answer into a short notification. Respond with ONLY a JSON object: {"title": "...", "body": "..."}. Write both fields in %s. The title is one line; the body is at most three sentences. Do not invent values.`, userLanguage)
	default:
		return nil, fmt.Errorf("unsupported format %q, use %q or %q", format, FormatQuery, FormatNotification)
	}

	return []ai.Message{
		{
			Role:    ai.RoleSystem,
			Content: "You reshape database analysis results into structured JSON. You never add data that is not present in the input.",
		},
		{
			Role: ai.RoleUser,
			Content: strings.Join([]string{
				instruction,
				"Summary: " + summary,
				"Collected data: " + stepsJSON,
			}, "\n\n"),
		},
	}, nil
}

func buildSystemPrompt(tables []metadata.Table, userLanguage string, database *Database, customSystemPrompt string) string {
	var parts []string

	if custom := strings.TrimSpace(customSystemPrompt); custom != "" {
		parts = append(parts, custom)
	}
	if line := databaseLine(database); line != "" {
		parts = append(parts, line)
	}
	parts = append(parts, "User language: "+userLanguage)

	if summary := renderSchema(tables); summary != "" {
		parts = append(parts, "Available schema:", summary)
	}

	return strings.Join(parts, "\n\n")
}

func renderSchema(tables []metadata.Table) string {
	annotate := multiConnection(tables)

	var blocks []string
	for _, t := range tables {
		if t.Name == "" {
			continue
		}

		header := "Table " + t.Name
		if desc := strings.TrimSpace(t.Description); desc != "" {
			header += " — " + desc
		}

		var sections []string
		if annotate && t.Connection != "" {
			line := "Connection: " + t.Connection
			if t.Engine != "" {
				line += " (" + t.Engine + ")"
			}
			sections = append(sections, line)
		}
		if cols := renderColumns(t.Columns); cols != "" {
			sections = append(sections, "Columns:\n"+cols)
		}
		if rels := renderRelationships(t.Relationships); rels != "" {
			sections = append(sections, "Relationships:\n"+rels)
		}

		blocks = append(blocks, header+"\n"+strings.Join(sections, "\n\n"))
	}

	return strings.Join(blocks, "\n\n")
}

func renderColumns(columns []metadata.Column) string {
	var lines []string
	for _, c := range columns {
		typ := c.Type
		if typ == "" {
			typ = "unknown"
		}
		line := fmt.Sprintf("- %s (%s)", c.Name, typ)
		if c.Description != "" {
			line += ": " + c.Description
		}
		if c.Template != "" {
			line += "\n  Example: " + c.Template
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderRelationships(relationships []metadata.Relationship) string {
	var lines []string
	for _, r := range relationships {
		typ := r.Type
		if typ == "" {
			typ = "unknown"
		}
		table := r.Table
		if table == "" {
			table = "unknown"
		}
		line := fmt.Sprintf("- %s %s", typ, table)
		if r.ForeignKey != "" {
			line += fmt.Sprintf(" (foreign key: %s)", r.ForeignKey)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func buildUserPrompt(question string, tables []metadata.Table) string {
	return strings.Join([]string{
		operatingContract(tables),
		"Question: " + question,
	}, "\n\n")
}

func operatingContract(tables []metadata.Table) string {
	queryShape := `{"action": "query", "queries": [{"query": "SELECT ...", "bindings": [], "reason": "Why this query is needed"}]}`
	if multiConnection(tables) {
		queryShape = `{"action": "query", "queries": [{"query": "SELECT ...", "bindings": [], "reason": "Why this query is needed", "connection": "<connection name>"}]}`
	}

	rules := []string{
		"- Only generate parameterized SELECT statements. Never produce CREATE, INSERT, UPDATE, DELETE, DROP, ALTER, or any mutating command.",
		`- Only reference tables explicitly listed in the schema. If a table is missing, use {"action": "answer", "summary": "<explain the limitation>"}.`,
		`- If the question cannot be answered with a query (out of scope, unsafe request, etc.), respond directly with {"action": "answer", "summary": "<polite explanation>"}.`,
		`- Write the "summary" in the user's language.`,
		"- After receiving query results, analyze them and decide: run more queries if needed, or provide the final answer.",
		"- Never invent data. Every figure in the summary must come from query results.",
		"- Do not mention SQL, queries, bindings, or technical terms in the final summary. Give a clear, business-oriented answer.",
		"- A LIMIT clause is automatically applied to queries without one. If you need more rows, add an explicit LIMIT. For counting, always use COUNT(*) instead of fetching all rows.",
		"- You can use these HTML tags in the summary: table, b, ul, ol, i, td, tr, th, thead, tbody. Do not use markdown.",
	}
	if multiConnection(tables) {
		rules = append(rules,
			`- Tables live on different connections, noted per table. Set the "connection" field on every query and never join tables from different connections in one statement. Query each connection separately and combine results yourself.`,
			"- Match the SQL dialect to each connection's engine.",
		)
	}

	return strings.Join([]string{
		"You are a database assistant. Answer the user's question by executing SQL queries.",
		"You MUST respond with a single JSON object per turn. Choose one of two actions:",
		"1. Execute queries: " + queryShape,
		`2. Provide the final answer: {"action": "answer", "summary": "Your human-readable answer here"}`,
		`The "queries" array can contain one or more queries. Use multiple queries in a single turn when they are independent of each other (e.g., counting users and counting orders). Use separate turns when a query depends on the result of a previous one.`,
		"Rules:\n" + strings.Join(rules, "\n"),
	}, "\n\n")
}

func databaseLine(database *Database) string {
	if database == nil {
		return ""
	}
	typ := strings.TrimSpace(database.Type)
	name := strings.TrimSpace(database.Name)
	switch {
	case typ != "" && name != "":
		return fmt.Sprintf("Database: %s — %s", typ, name)
	case typ != "":
		return "Database: " + typ
	case name != "":
		return "Database: " + name
	default:
		return ""
	}
}

// multiConnection reports whether the tables span more than one named
// connection. A blank connection counts as the default.
func multiConnection(tables []metadata.Table) bool {
	seen := make(map[string]struct{})
	for _, t := range tables {
		seen[strings.ToLower(t.Connection)] = struct{}{}
	}
	return len(seen) > 1
}
