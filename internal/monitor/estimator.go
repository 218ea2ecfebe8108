package monitor

import (
	"encoding/json"
	"math"
	"regexp"
	"unicode/utf8"
)

var structuralRE = regexp.MustCompile(`[{}\[\]":,]`)

// TokenEstimator approximates token counts from text length, using a
// tighter chars-per-token ratio for JSON-heavy content.
type TokenEstimator struct{}

// EstimateTokenCount estimates tokens for one piece of text. JSON-heavy
// text (>20% structural chars) counts ~3 chars/token, mixed (>10%) ~3.5,
// plain text ~4.
func (e TokenEstimator) EstimateTokenCount(text string) int {
	length := utf8.RuneCountInString(text)
	if length == 0 {
		return 0
	}

	structural := len(structuralRE.FindAllStringIndex(text, -1))
	ratio := float64(structural) / float64(length)

	charsPerToken := 4.0
	switch {
	case ratio > 0.20:
		charsPerToken = 3.0
	case ratio > 0.10:
		charsPerToken = 3.5
	}

	return int(math.Ceil(float64(length) / charsPerToken))
}

// EstimateFromSteps totals the question, summary, and every step's
// query, bindings, results, and reason.
func (e TokenEstimator) EstimateFromSteps(steps []StepText, question, summary string) int {
	total := e.EstimateTokenCount(question) + e.EstimateTokenCount(summary)
	for _, step := range steps {
		total += e.EstimateTokenCount(step.Query)
		total += e.EstimateTokenCount(step.Bindings)
		total += e.EstimateTokenCount(step.Results)
		total += e.EstimateTokenCount(step.Reason)
	}
	return total
}

// StepText is one step reduced to its serialized parts for estimation.
type StepText struct {
	Query    string
	Bindings string
	Results  string
	Reason   string
}

// EncodeForEstimate JSON-encodes a value the way it reaches the model.
func EncodeForEstimate(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
