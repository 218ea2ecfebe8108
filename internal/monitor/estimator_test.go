package monitor

import (
	"strings"
	"testing"
)

func TestEstimateTokenCountPlainText(t *testing.T) {
	var est TokenEstimator
	// 40 plain chars at 4 chars per token.
	got := est.EstimateTokenCount(strings.Repeat("word ", 8))
	if got != 10 {
		t.Fatalf("estimate = %d, want 10", got)
	}
}

func TestEstimateTokenCountJSONHeavy(t *testing.T) {
	var est TokenEstimator
	text := `{"a":1,"b":[2,3],"c":{"d":"e"}}`
	plain := est.EstimateTokenCount(strings.Repeat("x", len(text)))
	jsonish := est.EstimateTokenCount(text)
	if jsonish <= plain {
		t.Fatalf("json estimate %d should exceed plain estimate %d", jsonish, plain)
	}
}

func TestEstimateTokenCountEmpty(t *testing.T) {
	var est TokenEstimator
	if got := est.EstimateTokenCount(""); got != 0 {
		t.Fatalf("estimate = %d, want 0", got)
	}
}

func TestEstimateTokenCountRoundsUp(t *testing.T) {
	var est TokenEstimator
	if got := est.EstimateTokenCount("hello"); got != 2 {
		t.Fatalf("estimate = %d, want 2", got)
	}
}

func TestEstimateFromSteps(t *testing.T) {
	var est TokenEstimator
	steps := []StepText{
		{Query: "select count(*) from users", Bindings: "[]", Results: `[{"n":2}]`, Reason: "count users"},
	}
	total := est.EstimateFromSteps(steps, "How many users?", "There are 2 users.")

	want := est.EstimateTokenCount("How many users?") +
		est.EstimateTokenCount("There are 2 users.") +
		est.EstimateTokenCount("select count(*) from users") +
		est.EstimateTokenCount("[]") +
		est.EstimateTokenCount(`[{"n":2}]`) +
		est.EstimateTokenCount("count users")
	if total != want {
		t.Fatalf("total = %d, want %d", total, want)
	}
}
