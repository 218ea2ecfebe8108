package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"sqlgrep/internal/agent"
	"sqlgrep/internal/ai"
	"sqlgrep/internal/config"
	"sqlgrep/internal/db"
	"sqlgrep/internal/metadata"
	"sqlgrep/internal/recipe"
)

type scriptedClient struct {
	replies []string
	calls   int
}

func (c *scriptedClient) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	if c.calls >= len(c.replies) {
		return nil, &ai.ProviderError{Provider: "scripted", Body: "script exhausted"}
	}
	c.calls++
	return &ai.Response{Content: c.replies[c.calls-1], PromptTokens: 10, CompletionTokens: 5}, nil
}

func recorderFixture(t *testing.T, replies []string) (*Recorder, *Store) {
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
	if _, err := conn.DB.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 60; i++ {
		if _, err := conn.DB.Exec("INSERT INTO users (id, name) VALUES (?, ?)", i, fmt.Sprintf("user%d", i)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	cfg := &config.Config{
		SchemaMode:    "manual",
		MaxIterations: 3,
		MaxRows:       100,
		UserLanguage:  "en",
		Contexts: map[string]config.Context{
			"default": {Tables: []metadata.Table{{Name: "users", Columns: []metadata.Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}}}}},
		},
	}
	engine := agent.New(cfg, &scriptedClient{replies: replies}, registry, nil, nil)
	store := NewStore(conn, "", 30)
	provider := config.ProviderConfig{Name: "openai", Model: "gpt-4o-mini"}
	return NewRecorder(engine, store, provider), store
}

func TestRecorderRecordsSuccess(t *testing.T) {
	recorder, store := recorderFixture(t, []string{
		`{"action": "query", "queries": [{"query": "select count(*) as n from users", "reason": "count"}]}`,
		`{"action": "answer", "summary": "There are 60 users."}`,
	})

	result, err := recorder.AnswerQuestion(context.Background(), "How many users?", agent.Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if result.Summary != "There are 60 users." {
		t.Fatalf("summary = %q", result.Summary)
	}

	entries, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.Status != StatusSuccess || e.Question != "How many users?" || e.Scope != "default" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Model != "gpt-4o-mini" || e.Provider != "openai" {
		t.Fatalf("provider fields: %+v", e)
	}
	if e.Iterations != 2 || e.PromptTokens != 20 || e.CompletionTokens != 10 {
		t.Fatalf("counters: %+v", e)
	}
	if e.TokenEstimate == 0 {
		t.Fatalf("token estimate missing")
	}
	if !strings.Contains(e.Steps, "select count(*) as n from users") {
		t.Fatalf("steps json = %q", e.Steps)
	}
	if !strings.Contains(e.DebugQueries, "select count(*)") {
		t.Fatalf("debug queries = %q", e.DebugQueries)
	}
}

func TestRecorderRecordsError(t *testing.T) {
	recorder, store := recorderFixture(t, nil)

	if _, err := recorder.AnswerQuestion(context.Background(), "anything?", agent.Options{}); err == nil {
		t.Fatalf("expected provider error")
	}

	entries, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != StatusError {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].ErrorMessage == "" || entries[0].ErrorClass == "" {
		t.Fatalf("error fields: %+v", entries[0])
	}
}

func TestRecorderTruncatesStepResults(t *testing.T) {
	recorder, store := recorderFixture(t, []string{
		`{"action": "query", "queries": [{"query": "select id, name from users order by id", "reason": "list"}]}`,
		`{"action": "answer", "summary": "Listed users."}`,
	})

	if _, err := recorder.AnswerQuestion(context.Background(), "List users", agent.Options{}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	entries, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	var steps []recordedStep
	if err := json.Unmarshal([]byte(entries[0].Steps), &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("got %d steps", len(steps))
	}
	if len(steps[0].Results) != maxResultsPerStep || !steps[0].ResultsTruncated {
		t.Fatalf("results = %d rows, truncated = %v", len(steps[0].Results), steps[0].ResultsTruncated)
	}
}

func TestRecorderReplayPrefix(t *testing.T) {
	recorder, store := recorderFixture(t, []string{
		`{"action": "answer", "summary": "Replayed."}`,
	})

	rec := recipe.Recipe{
		Question: "How many users?",
		Scope:    "default",
		Queries:  []recipe.Query{{Query: "select count(*) as n from users", Reason: "count"}},
	}
	if _, err := recorder.ReplayRecipe(context.Background(), rec, agent.Options{}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	entries, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if entries[0].Question != "[Replay] How many users?" {
		t.Fatalf("question = %q", entries[0].Question)
	}
}

func TestRecorderFailureDoesNotBreakOperation(t *testing.T) {
	recorder, _ := recorderFixture(t, []string{
		`{"action": "answer", "summary": "Fine."}`,
	})
	// A broken table name makes every insert fail.
	recorder.store.table = "sqlgrep logs broken"

	result, err := recorder.AnswerQuestion(context.Background(), "anything?", agent.Options{})
	if err != nil {
		t.Fatalf("operation should survive recording failure: %v", err)
	}
	if result.Summary != "Fine." {
		t.Fatalf("summary = %q", result.Summary)
	}
}
