// Package agent runs the bounded question-answering loop: the model
// proposes read-only SQL, the engine validates and executes it, and the
// results feed the next turn until the model answers or the iteration
// budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"sqlgrep/internal/ai"
	"sqlgrep/internal/config"
	"sqlgrep/internal/conversation"
	"sqlgrep/internal/db"
	"sqlgrep/internal/metadata"
	"sqlgrep/internal/prompt"
	"sqlgrep/internal/query"
	"sqlgrep/internal/recipe"
)

// Step is one executed (or rejected) statement in the audit trail.
// Error is set instead of Results when validation or execution failed.
type Step struct {
	Query      string      `json:"query"`
	Bindings   []any       `json:"bindings"`
	Results    []query.Row `json:"results"`
	Reason     string      `json:"reason,omitempty"`
	Connection string      `json:"connection,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Result is the outcome of one question.
type Result struct {
	Summary      string           `json:"summary"`
	Steps        []Step           `json:"steps"`
	DebugQueries []query.LogEntry `json:"debug_queries"`
	Iterations   int              `json:"iterations"`
}

// SchemaStats records how many tables survived smart-schema filtering.
type SchemaStats struct {
	Total    int `json:"total"`
	Filtered int `json:"filtered"`
}

// TokenUsage accumulates model token counts across all calls of one
// question, including the filter and forced-answer calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Options adjusts one AnswerQuestion call.
type Options struct {
	Scope          string
	ConversationID string
	OnStep         func(iteration int, message string)
}

// Engine orchestrates one question at a time. It keeps per-question
// counters, so callers wanting parallelism create one Engine per worker.
type Engine struct {
	cfg      *config.Config
	client   ai.Client
	registry *db.Registry
	loader   metadata.Loader
	convs    conversation.Store

	lastSchemaStats SchemaStats
	lastUsage       TokenUsage
}

// New wires an Engine from its collaborators. loader may be nil when
// schema discovery is unused; convs may be nil when conversation
// persistence is disabled.
func New(cfg *config.Config, client ai.Client, registry *db.Registry, loader metadata.Loader, convs conversation.Store) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		registry: registry,
		loader:   loader,
		convs:    convs,
	}
}

// AnswerQuestion runs the full loop for one question and returns the
// summary plus the executed-step audit trail.
func (e *Engine) AnswerQuestion(ctx context.Context, question string, opts Options) (*Result, error) {
	e.lastUsage = TokenUsage{}

	scope, err := e.resolveScope(opts.Scope)
	if err != nil {
		return nil, err
	}

	tables, err := e.resolveMetadata(ctx, scope)
	if err != nil {
		return nil, err
	}
	tables = e.fillDefaultConnection(tables, scope)
	total := len(tables)
	tables = e.applySmartSchema(ctx, tables, question, scope)
	e.lastSchemaStats = SchemaStats{Total: total, Filtered: len(tables)}

	var history []ai.Message
	if e.convs != nil && opts.ConversationID != "" {
		history, err = e.convs.Messages(ctx, opts.ConversationID)
		if err != nil {
			return nil, err
		}
	}

	messages := prompt.BuildQueryMessages(
		question, tables, scope.UserLanguage, scope.Database, e.cfg.SystemPrompt, history,
	)

	result, err := e.runLoop(ctx, messages, metadata.KnownTables(tables), scope, opts.OnStep)
	if err != nil {
		return nil, err
	}

	if e.convs != nil && opts.ConversationID != "" {
		if err := e.convs.AppendExchange(ctx, opts.ConversationID, question, result.Summary); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ReplayRecipe reruns a saved query sequence through the same loop,
// letting the model refresh time-relative parameters.
func (e *Engine) ReplayRecipe(ctx context.Context, r recipe.Recipe, opts Options) (*Result, error) {
	e.lastUsage = TokenUsage{}

	scopeName := r.Scope
	if opts.Scope != "" {
		scopeName = opts.Scope
	}
	scope, err := e.resolveScope(scopeName)
	if err != nil {
		return nil, err
	}

	tables, err := e.resolveMetadata(ctx, scope)
	if err != nil {
		return nil, err
	}
	tables = e.fillDefaultConnection(tables, scope)
	e.lastSchemaStats = SchemaStats{Total: len(tables), Filtered: len(tables)}

	previous := make([]prompt.PreviousQuery, 0, len(r.Queries))
	for _, q := range r.Queries {
		previous = append(previous, prompt.PreviousQuery{Query: q.Query, Bindings: q.Bindings, Reason: q.Reason})
	}

	messages := prompt.BuildReplayMessages(
		r.Question, tables, previous, scope.UserLanguage, scope.Database, e.cfg.SystemPrompt, time.Now(),
	)

	return e.runLoop(ctx, messages, metadata.KnownTables(tables), scope, opts.OnStep)
}

// ExtractRecipe reduces an answer to its replayable queries: steps that
// failed or returned nothing are dropped.
func ExtractRecipe(result *Result, question, scope string) recipe.Recipe {
	if scope == "" {
		scope = "default"
	}
	r := recipe.Recipe{Question: question, Scope: scope}
	for _, step := range result.Steps {
		if step.Error != "" || len(step.Results) == 0 {
			continue
		}
		r.Queries = append(r.Queries, recipe.Query{
			Query:    step.Query,
			Bindings: step.Bindings,
			Reason:   step.Reason,
		})
	}
	return r
}

// FormatResult asks the model to reshape a finished answer into a
// structured payload, format "query" or "notification".
func (e *Engine) FormatResult(ctx context.Context, result *Result, format string) (map[string]any, error) {
	steps, err := json.Marshal(result.Steps)
	if err != nil {
		return nil, errors.Wrap(err, "encode steps")
	}

	messages, err := prompt.BuildFormatMessages(string(steps), result.Summary, e.cfg.UserLanguage, format)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	e.addUsage(resp)

	payload, err := prompt.ParseJSONPayload(resp.Content)
	if err != nil {
		return nil, errors.Wrap(err, "format transformation")
	}
	return payload, nil
}

// LastSchemaStats reports table counts from the most recent question.
func (e *Engine) LastSchemaStats() SchemaStats { return e.lastSchemaStats }

// LastTokenUsage reports token counts from the most recent question.
func (e *Engine) LastTokenUsage() TokenUsage { return e.lastUsage }

func (e *Engine) addUsage(resp *ai.Response) {
	e.lastUsage.PromptTokens += resp.PromptTokens
	e.lastUsage.CompletionTokens += resp.CompletionTokens
}
