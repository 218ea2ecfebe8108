package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sqlgrep/internal/ai"
	"sqlgrep/internal/prompt"
	"sqlgrep/internal/query"
	"sqlgrep/internal/util"
)

const (
	fallbackSummaryParse = "Sorry, I could not process your question."
	fallbackSummaryFinal = "Sorry, I could not complete the analysis."
)

// runLoop drives the iterate-until-answer protocol. Per-entry failures
// are fed back to the model so it can self-correct; only transport-level
// failures abort the question.
func (e *Engine) runLoop(
	ctx context.Context,
	messages []ai.Message,
	knownTables []string,
	scope Scope,
	onStep func(int, string),
) (*Result, error) {
	executor := &query.Executor{
		MaxRows:      e.cfg.MaxRows,
		MaxQueryTime: e.cfg.MaxQueryTime,
		Resolver:     e.registry.Get,
	}

	result := &Result{Steps: []Step{}, DebugQueries: []query.LogEntry{}}
	var summary string
	answered := false

	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		resp, err := e.client.Chat(ctx, messages)
		if err != nil {
			return nil, err
		}
		e.addUsage(resp)
		result.Iterations = iteration + 1

		action, err := prompt.ParseAction(resp.Content)
		if err != nil {
			util.Detailf("unparseable model reply on iteration %d: %v", iteration+1, err)
			summary = strings.TrimSpace(resp.Content)
			if summary == "" {
				summary = fallbackSummaryParse
			}
			answered = true
			break
		}

		if action.Kind == prompt.ActionAnswer {
			summary = action.Summary
			answered = true
			break
		}

		batch := e.runBatch(ctx, executor, action.Queries, knownTables, scope, result)

		if onStep != nil {
			onStep(iteration+1, batchMessage(action.Queries, iteration+1))
		}

		encoded, err := json.Marshal(batch)
		if err != nil {
			encoded = []byte("[]")
		}
		messages = append(messages,
			ai.Message{Role: ai.RoleAssistant, Content: resp.Content},
			ai.Message{Role: ai.RoleUser, Content: "Query results: " + string(encoded)},
		)
	}

	if !answered {
		messages = append(messages, prompt.BuildForceAnswerMessage(scope.UserLanguage))

		resp, err := e.client.Chat(ctx, messages)
		if err != nil {
			return nil, err
		}
		e.addUsage(resp)

		action, err := prompt.ParseAction(resp.Content)
		switch {
		case err == nil && action.Kind == prompt.ActionAnswer:
			summary = action.Summary
		default:
			summary = strings.TrimSpace(resp.Content)
			if summary == "" {
				summary = fallbackSummaryFinal
			}
		}
	}

	result.Summary = summary
	return result, nil
}

// batchResult is the per-query payload echoed back to the model.
type batchResult struct {
	Query   string      `json:"query"`
	Results []query.Row `json:"results,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// runBatch validates and executes each entry sequentially, recording
// steps on the result and building the feedback payload.
func (e *Engine) runBatch(
	ctx context.Context,
	executor *query.Executor,
	entries []prompt.QueryEntry,
	knownTables []string,
	scope Scope,
	result *Result,
) []batchResult {
	batch := make([]batchResult, 0, len(entries))

	for _, entry := range entries {
		connection := entry.Connection
		if connection == "" {
			connection = scope.Connection
		}

		execution, err := e.runEntry(ctx, executor, entry, knownTables, connection)
		if err != nil {
			util.Warnf("query rejected: %v", err)
			result.Steps = append(result.Steps, Step{
				Query:      entry.Query,
				Bindings:   entry.Bindings,
				Results:    []query.Row{},
				Reason:     entry.Reason,
				Connection: entry.Connection,
				Error:      err.Error(),
			})
			batch = append(batch, batchResult{
				Query: entry.Query,
				Error: fmt.Sprintf("%s Available tables: %s.", err.Error(), strings.Join(knownTables, ", ")),
			})
			continue
		}

		result.Steps = append(result.Steps, Step{
			Query:      entry.Query,
			Bindings:   entry.Bindings,
			Results:    execution.Results,
			Reason:     entry.Reason,
			Connection: entry.Connection,
		})
		result.DebugQueries = append(result.DebugQueries, execution.Queries...)
		batch = append(batch, batchResult{Query: entry.Query, Results: execution.Results})
	}

	return batch
}

func (e *Engine) runEntry(
	ctx context.Context,
	executor *query.Executor,
	entry prompt.QueryEntry,
	knownTables []string,
	connection string,
) (*query.Execution, error) {
	if err := query.Validate(entry.Query, knownTables); err != nil {
		return nil, err
	}
	return executor.Execute(ctx, entry.Query, entry.Bindings, connection)
}

func batchMessage(entries []prompt.QueryEntry, iteration int) string {
	var reasons []string
	for _, entry := range entries {
		if entry.Reason != "" {
			reasons = append(reasons, entry.Reason)
		}
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("Processing step %d", iteration)
	}
	return strings.Join(reasons, "; ")
}
