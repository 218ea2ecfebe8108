package recipe

// Query is one replayable statement extracted from a successful answer.
type Query struct {
	Query    string `json:"query"`
	Bindings []any  `json:"bindings"`
	Reason   string `json:"reason,omitempty"`
}

// Recipe captures the query sequence that answered a question, so the
// same question can be re-run later without the exploration phase.
type Recipe struct {
	Question string  `json:"question"`
	Scope    string  `json:"scope"`
	Queries  []Query `json:"queries"`
}
