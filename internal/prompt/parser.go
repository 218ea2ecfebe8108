package prompt

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Action kinds produced by ParseAction.
const (
	ActionQuery  = "query"
	ActionAnswer = "answer"
)

// QueryEntry is one statement the model wants executed.
type QueryEntry struct {
	Query      string `json:"query"`
	Bindings   []any  `json:"bindings"`
	Reason     string `json:"reason,omitempty"`
	Connection string `json:"connection,omitempty"`
}

// Action is the parsed model decision: either a batch of queries to run
// or a final answer.
type Action struct {
	Kind    string
	Summary string
	Queries []QueryEntry
}

// ParseError reports model output that could not be turned into an Action.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse model response: " + e.Reason
}

var (
	fenceOpenRE  = regexp.MustCompile(`(?im)^` + "```" + `(?:json)?\s*`)
	fenceCloseRE = regexp.MustCompile(`(?m)\s*` + "```" + `\s*$`)
)

// ParseAction decodes a model reply into an Action. Markdown fences and
// surrounding commentary are tolerated; the first balanced JSON object in
// the text is used when the whole text does not decode.
func ParseAction(text string) (*Action, error) {
	raw, err := recoverJSON(text)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Action  string `json:"action"`
		Summary string `json:"summary"`
		Queries []struct {
			Query      string          `json:"query"`
			Bindings   json.RawMessage `json:"bindings"`
			Reason     string          `json:"reason"`
			Connection string          `json:"connection"`
		} `json:"queries"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ParseError{Reason: "response was not valid JSON"}
	}

	switch decoded.Action {
	case ActionAnswer:
		summary := strings.TrimSpace(decoded.Summary)
		if summary == "" {
			return nil, &ParseError{Reason: "answer action had an empty summary"}
		}
		return &Action{Kind: ActionAnswer, Summary: summary}, nil

	case ActionQuery:
		if len(decoded.Queries) == 0 {
			return nil, &ParseError{Reason: "query action had no queries"}
		}
		entries := make([]QueryEntry, 0, len(decoded.Queries))
		for _, q := range decoded.Queries {
			query := strings.TrimSpace(q.Query)
			if query == "" {
				return nil, &ParseError{Reason: "query entry had an empty query"}
			}
			if !strings.HasPrefix(strings.ToLower(query), "select") {
				return nil, &ParseError{Reason: "Only SELECT queries are allowed."}
			}
			bindings, err := decodeBindings(q.Bindings)
			if err != nil {
				return nil, err
			}
			entries = append(entries, QueryEntry{
				Query:      query,
				Bindings:   bindings,
				Reason:     q.Reason,
				Connection: q.Connection,
			})
		}
		return &Action{Kind: ActionQuery, Queries: entries}, nil

	default:
		return nil, &ParseError{Reason: "response did not include a recognized action"}
	}
}

// ParseTableSelection decodes the smart-schema filter reply: a list of
// table names, lowercased and de-duplicated.
func ParseTableSelection(text string) ([]string, error) {
	raw, err := recoverJSON(text)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Tables json.RawMessage `json:"tables"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ParseError{Reason: "response was not valid JSON"}
	}
	if decoded.Tables == nil {
		return nil, &ParseError{Reason: `response did not include a "tables" array`}
	}

	var names []string
	if err := json.Unmarshal(decoded.Tables, &names); err != nil {
		return nil, &ParseError{Reason: `"tables" was not an array of strings`}
	}

	seen := make(map[string]struct{}, len(names))
	var selected []string
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		selected = append(selected, name)
	}
	return selected, nil
}

// ParseJSONPayload decodes a generic JSON object reply, used for the
// format transformation calls.
func ParseJSONPayload(text string) (map[string]any, error) {
	raw, err := recoverJSON(text)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ParseError{Reason: "response was not a JSON object"}
	}
	return payload, nil
}

// recoverJSON strips code fences and returns either the whole text, when
// it decodes as JSON, or the first balanced object embedded in it.
func recoverJSON(text string) ([]byte, error) {
	stripped := strings.TrimSpace(text)
	stripped = fenceOpenRE.ReplaceAllString(stripped, "")
	stripped = fenceCloseRE.ReplaceAllString(stripped, "")
	stripped = strings.TrimSpace(stripped)
	if stripped == "" {
		return nil, &ParseError{Reason: "response was empty"}
	}

	if json.Valid([]byte(stripped)) {
		return []byte(stripped), nil
	}

	if obj, ok := firstJSONObject(stripped); ok && json.Valid([]byte(obj)) {
		return []byte(obj), nil
	}
	return nil, &ParseError{Reason: "response was not valid JSON"}
}

// firstJSONObject scans for the first balanced {...} object, tracking
// string-literal and escape state so braces inside strings are ignored.
func firstJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func decodeBindings(raw json.RawMessage) ([]any, error) {
	if raw == nil {
		return []any{}, nil
	}
	var bindings []any
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return nil, &ParseError{Reason: "query entry had invalid bindings"}
	}
	if bindings == nil {
		bindings = []any{}
	}
	return bindings, nil
}
