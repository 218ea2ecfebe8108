package agent

import (
	"context"
	"strings"
	"testing"

	"sqlgrep/internal/ai"
	"sqlgrep/internal/config"
	"sqlgrep/internal/db"
	"sqlgrep/internal/metadata"
	"sqlgrep/internal/query"
)

// scriptedClient returns canned replies in order and records every
// request it sees.
type scriptedClient struct {
	replies  []string
	requests [][]ai.Message
}

func (c *scriptedClient) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	c.requests = append(c.requests, messages)
	if len(c.requests) > len(c.replies) {
		return nil, &ai.ProviderError{Provider: "scripted", Body: "script exhausted"}
	}
	return &ai.Response{
		Content:      c.replies[len(c.requests)-1],
		PromptTokens: 10, CompletionTokens: 5,
	}, nil
}

func testRegistry(t *testing.T) *db.Registry {
	t.Helper()
	registry, err := db.Open(map[string]db.Spec{"main": {Driver: "sqlite", DSN: ":memory:"}}, "main")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(registry.Close)

	conn, err := registry.Get("")
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	conn.DB.SetMaxOpenConns(1)
	stmts := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO users (id, name) VALUES (1, 'alice'), (2, 'bob')",
	}
	for _, stmt := range stmts {
		if _, err := conn.DB.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return registry
}

func testConfig() *config.Config {
	return &config.Config{
		SchemaMode:    "manual",
		MaxIterations: 3,
		MaxRows:       20,
		UserLanguage:  "en",
		Contexts: map[string]config.Context{
			"default": {
				Tables: []metadata.Table{
					{Name: "users", Columns: []metadata.Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}}},
				},
			},
		},
	}
}

func TestAnswerQuestionImmediateAnswer(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "answer", "summary": "Nothing to compute."}`,
	}}
	engine := New(testConfig(), client, testRegistry(t), nil, nil)

	result, err := engine.AnswerQuestion(context.Background(), "anything?", Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if result.Summary != "Nothing to compute." {
		t.Fatalf("summary = %q", result.Summary)
	}
	if result.Iterations != 1 || len(result.Steps) != 0 {
		t.Fatalf("result = %+v", result)
	}
	usage := engine.LastTokenUsage()
	if usage.PromptTokens != 10 || usage.CompletionTokens != 5 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestAnswerQuestionQueryThenAnswer(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "query", "queries": [{"query": "SELECT COUNT(*) AS n FROM users", "reason": "count users"}]}`,
		`{"action": "answer", "summary": "There are 2 users."}`,
	}}
	var stepCalls []string
	engine := New(testConfig(), client, testRegistry(t), nil, nil)

	result, err := engine.AnswerQuestion(context.Background(), "How many users?", Options{
		OnStep: func(i int, msg string) { stepCalls = append(stepCalls, msg) },
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if result.Summary != "There are 2 users." {
		t.Fatalf("summary = %q", result.Summary)
	}
	if result.Iterations != 2 || len(result.Steps) != 1 {
		t.Fatalf("result = %+v", result)
	}
	step := result.Steps[0]
	if step.Error != "" || len(step.Results) != 1 {
		t.Fatalf("step = %+v", step)
	}
	if n, _ := step.Results[0].Get("n"); n != int64(2) {
		t.Fatalf("count = %v", n)
	}
	if len(result.DebugQueries) != 1 || !strings.Contains(result.DebugQueries[0].Query, "LIMIT 20") {
		t.Fatalf("debug queries = %+v", result.DebugQueries)
	}
	if len(stepCalls) != 1 || stepCalls[0] != "count users" {
		t.Fatalf("step calls = %v", stepCalls)
	}

	// The second call must carry the raw reply and the batch results.
	second := client.requests[1]
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Query results: ") || !strings.Contains(last.Content, `"n":2`) {
		t.Fatalf("feedback = %q", last.Content)
	}
	if second[len(second)-2].Role != ai.RoleAssistant {
		t.Fatalf("missing assistant echo: %+v", second[len(second)-2])
	}
}

func TestAnswerQuestionValidationFeedback(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "query", "queries": [{"query": "SELECT * FROM secrets"}]}`,
		`{"action": "answer", "summary": "I cannot access that table."}`,
	}}
	engine := New(testConfig(), client, testRegistry(t), nil, nil)

	result, err := engine.AnswerQuestion(context.Background(), "What is in secrets?", Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(result.Steps) != 1 || result.Steps[0].Error == "" {
		t.Fatalf("steps = %+v", result.Steps)
	}
	if !strings.Contains(result.Steps[0].Error, "unknown table") {
		t.Fatalf("error = %q", result.Steps[0].Error)
	}

	feedback := client.requests[1][len(client.requests[1])-1].Content
	if !strings.Contains(feedback, "Available tables: users.") {
		t.Fatalf("feedback = %q", feedback)
	}
}

func TestAnswerQuestionParseFailureUsesRawText(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"  I believe there are roughly two users.  ",
	}}
	engine := New(testConfig(), client, testRegistry(t), nil, nil)

	result, err := engine.AnswerQuestion(context.Background(), "How many users?", Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if result.Summary != "I believe there are roughly two users." {
		t.Fatalf("summary = %q", result.Summary)
	}
}

func TestAnswerQuestionIterationBudget(t *testing.T) {
	queryReply := `{"action": "query", "queries": [{"query": "SELECT COUNT(*) AS n FROM users"}]}`
	client := &scriptedClient{replies: []string{
		queryReply, queryReply, queryReply,
		`{"action": "answer", "summary": "Forced: 2 users."}`,
	}}
	engine := New(testConfig(), client, testRegistry(t), nil, nil)

	result, err := engine.AnswerQuestion(context.Background(), "How many users?", Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(client.requests) != 4 {
		t.Fatalf("chat calls = %d, want budget + forced call", len(client.requests))
	}
	if result.Iterations != 3 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	if result.Summary != "Forced: 2 users." {
		t.Fatalf("summary = %q", result.Summary)
	}

	final := client.requests[3]
	if !strings.Contains(final[len(final)-1].Content, "maximum number of queries") {
		t.Fatalf("final request = %q", final[len(final)-1].Content)
	}
}

func TestAnswerQuestionUnknownScope(t *testing.T) {
	client := &scriptedClient{}
	engine := New(testConfig(), client, testRegistry(t), nil, nil)

	if _, err := engine.AnswerQuestion(context.Background(), "q", Options{Scope: "billing"}); err == nil {
		t.Fatal("expected error for unknown scope")
	}
	if len(client.requests) != 0 {
		t.Fatal("no AI call should happen before scope resolution")
	}
}

func TestScopeOverrides(t *testing.T) {
	cfg := testConfig()
	three := 3
	cfg.Contexts["analytics"] = config.Context{
		Connection:   "main",
		SchemaMode:   "manual",
		SmartSchema:  &three,
		UserLanguage: "pt",
		Database:     config.DatabaseInfo{Type: "sqlite", Name: "analytics"},
		Tables:       []metadata.Table{{Name: "events"}},
	}
	engine := New(cfg, &scriptedClient{}, testRegistry(t), nil, nil)

	scope, err := engine.resolveScope("analytics")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if scope.Connection != "main" || scope.UserLanguage != "pt" || scope.SmartSchema != 3 {
		t.Fatalf("scope = %+v", scope)
	}
	if scope.Database == nil || scope.Database.Name != "analytics" {
		t.Fatalf("database = %+v", scope.Database)
	}
	if len(scope.Tables) != 1 || scope.Tables[0].Name != "events" {
		t.Fatalf("tables = %+v", scope.Tables)
	}

	base, err := engine.resolveScope("")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if base.UserLanguage != "en" {
		t.Fatalf("base scope = %+v", base)
	}
}

func TestResolveMetadataExcludesDeclaredTables(t *testing.T) {
	cfg := testConfig()
	ctx := cfg.Contexts["default"]
	ctx.Tables = append(ctx.Tables, metadata.Table{Name: "audit_log"})
	ctx.ExcludeTables = []string{"Audit_Log"}
	cfg.Contexts["default"] = ctx
	engine := New(cfg, &scriptedClient{}, testRegistry(t), nil, nil)

	scope, err := engine.resolveScope("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tables, err := engine.resolveMetadata(context.Background(), scope)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "users" {
		t.Fatalf("tables = %+v", tables)
	}
}

func TestSmartSchemaFiltersAndFallsBack(t *testing.T) {
	tables := []metadata.Table{{Name: "users"}, {Name: "orders"}, {Name: "products"}}

	filter := &scriptedClient{replies: []string{`{"tables": ["orders"]}`}}
	engine := New(testConfig(), filter, testRegistry(t), nil, nil)
	got := engine.applySmartSchema(context.Background(), tables, "q", Scope{SmartSchema: 2})
	if len(got) != 1 || got[0].Name != "orders" {
		t.Fatalf("filtered = %+v", got)
	}

	// Below threshold: no AI call at all.
	silent := &scriptedClient{}
	engine = New(testConfig(), silent, testRegistry(t), nil, nil)
	got = engine.applySmartSchema(context.Background(), tables, "q", Scope{SmartSchema: 10})
	if len(got) != 3 || len(silent.requests) != 0 {
		t.Fatalf("below threshold should keep all tables without a call")
	}

	// Unparseable reply: silent fallback to the full set.
	broken := &scriptedClient{replies: []string{"not json"}}
	engine = New(testConfig(), broken, testRegistry(t), nil, nil)
	got = engine.applySmartSchema(context.Background(), tables, "q", Scope{SmartSchema: 2})
	if len(got) != 3 {
		t.Fatalf("fallback = %+v", got)
	}

	// Selection naming no real table: keep the full set.
	phantom := &scriptedClient{replies: []string{`{"tables": ["missing"]}`}}
	engine = New(testConfig(), phantom, testRegistry(t), nil, nil)
	got = engine.applySmartSchema(context.Background(), tables, "q", Scope{SmartSchema: 2})
	if len(got) != 3 {
		t.Fatalf("phantom fallback = %+v", got)
	}
}

func TestExtractRecipe(t *testing.T) {
	result := &Result{Steps: []Step{
		{Query: "SELECT 1", Bindings: []any{}, Results: []query.Row{{{Name: "n", Value: 1}}}, Reason: "keep"},
		{Query: "SELECT 2", Bindings: []any{}, Error: "boom"},
		{Query: "SELECT 3", Bindings: []any{}, Results: []query.Row{}},
	}}

	r := ExtractRecipe(result, "How many?", "")
	if r.Scope != "default" || r.Question != "How many?" {
		t.Fatalf("recipe = %+v", r)
	}
	if len(r.Queries) != 1 || r.Queries[0].Query != "SELECT 1" || r.Queries[0].Reason != "keep" {
		t.Fatalf("queries = %+v", r.Queries)
	}
}

func TestFillDefaultConnection(t *testing.T) {
	engine := New(testConfig(), &scriptedClient{}, testRegistry(t), nil, nil)

	plain := []metadata.Table{{Name: "users"}, {Name: "orders"}}
	if got := engine.fillDefaultConnection(plain, Scope{Connection: "main"}); got[0].Connection != "" {
		t.Fatalf("no table declares a connection, none should be filled: %+v", got)
	}

	mixed := []metadata.Table{{Name: "users"}, {Name: "events", Connection: "analytics"}}
	got := engine.fillDefaultConnection(mixed, Scope{Connection: "main"})
	if got[0].Connection != "main" || got[1].Connection != "analytics" {
		t.Fatalf("filled = %+v", got)
	}
	if mixed[0].Connection != "" {
		t.Fatal("input slice must not be mutated")
	}
}
