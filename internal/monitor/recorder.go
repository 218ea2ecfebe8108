package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"sqlgrep/internal/agent"
	"sqlgrep/internal/config"
	"sqlgrep/internal/query"
	"sqlgrep/internal/recipe"
	"sqlgrep/internal/util"
)

const (
	maxResultsPerStep = 50
	maxQuestionLen    = 1000
	maxErrorLen       = 2000
)

// Recorder runs questions through an Engine and logs every run to a
// Store. A recording failure is logged and swallowed so monitoring can
// never break the operation it observes.
type Recorder struct {
	engine    *agent.Engine
	store     *Store
	provider  config.ProviderConfig
	estimator TokenEstimator
}

func NewRecorder(engine *agent.Engine, store *Store, provider config.ProviderConfig) *Recorder {
	return &Recorder{engine: engine, store: store, provider: provider}
}

// AnswerQuestion delegates to the engine and records the outcome.
func (r *Recorder) AnswerQuestion(ctx context.Context, question string, opts agent.Options) (*agent.Result, error) {
	started := time.Now()
	result, err := r.engine.AnswerQuestion(ctx, question, opts)
	r.record(ctx, question, opts, result, err, time.Since(started))
	return result, err
}

// ReplayRecipe delegates to the engine and records the outcome with the
// question marked as a replay.
func (r *Recorder) ReplayRecipe(ctx context.Context, rec recipe.Recipe, opts agent.Options) (*agent.Result, error) {
	started := time.Now()
	result, err := r.engine.ReplayRecipe(ctx, rec, opts)
	r.record(ctx, "[Replay] "+rec.Question, opts, result, err, time.Since(started))
	return result, err
}

// FormatResult passes through unrecorded; the underlying run was
// already logged.
func (r *Recorder) FormatResult(ctx context.Context, result *agent.Result, format string) (map[string]any, error) {
	return r.engine.FormatResult(ctx, result, format)
}

func (r *Recorder) record(ctx context.Context, question string, opts agent.Options, result *agent.Result, runErr error, elapsed time.Duration) {
	scope := opts.Scope
	if scope == "" {
		scope = "default"
	}

	entry := Entry{
		Question:       truncate(question, maxQuestionLen),
		Scope:          scope,
		Model:          r.provider.Model,
		Provider:       r.provider.Name,
		ConversationID: opts.ConversationID,
		Status:         StatusSuccess,
		DurationMs:     elapsed.Milliseconds(),
	}

	stats := r.engine.LastSchemaStats()
	entry.TablesTotal = stats.Total
	entry.TablesFiltered = stats.Filtered

	usage := r.engine.LastTokenUsage()
	entry.PromptTokens = usage.PromptTokens
	entry.CompletionTokens = usage.CompletionTokens

	if runErr != nil {
		entry.Status = StatusError
		entry.ErrorMessage = truncate(runErr.Error(), maxErrorLen)
		entry.ErrorClass = fmt.Sprintf("%T", errors.Cause(runErr))
	}

	if result != nil {
		entry.Summary = result.Summary
		entry.Iterations = result.Iterations
		entry.Steps = encodeSteps(result.Steps)
		entry.DebugQueries = encodeJSON(result.DebugQueries)
		entry.TokenEstimate = r.estimator.EstimateFromSteps(
			stepTexts(result.Steps), question, result.Summary)
	}

	if _, err := r.store.Record(ctx, entry); err != nil {
		util.Warnf("monitor: failed to record run: %v", err)
	}
}

// recordedStep mirrors agent.Step with oversized result sets cut down.
type recordedStep struct {
	Query            string      `json:"query"`
	Bindings         []any       `json:"bindings"`
	Results          []query.Row `json:"results"`
	ResultsTruncated bool        `json:"results_truncated,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	Connection       string      `json:"connection,omitempty"`
	Error            string      `json:"error,omitempty"`
}

func encodeSteps(steps []agent.Step) string {
	recorded := make([]recordedStep, 0, len(steps))
	for _, step := range steps {
		rs := recordedStep{
			Query:      step.Query,
			Bindings:   step.Bindings,
			Results:    step.Results,
			Reason:     step.Reason,
			Connection: step.Connection,
			Error:      step.Error,
		}
		if len(rs.Results) > maxResultsPerStep {
			rs.Results = rs.Results[:maxResultsPerStep]
			rs.ResultsTruncated = true
		}
		recorded = append(recorded, rs)
	}
	return encodeJSON(recorded)
}

func stepTexts(steps []agent.Step) []StepText {
	texts := make([]StepText, 0, len(steps))
	for _, step := range steps {
		texts = append(texts, StepText{
			Query:    step.Query,
			Bindings: EncodeForEstimate(step.Bindings),
			Results:  EncodeForEstimate(step.Results),
			Reason:   step.Reason,
		})
	}
	return texts
}

func encodeJSON(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
