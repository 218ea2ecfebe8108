// Package ai defines the chat capability used by the agent loop and the
// HTTP clients that implement it.
package ai

import (
	"context"
	"fmt"
)

// Message roles accepted by chat providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response carries the provider's reply and token accounting.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens returns prompt plus completion tokens.
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Client is the chat capability all providers implement.
type Client interface {
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// ProviderError reports a failed provider call. Its body is diagnostic
// detail for operators and must never reach end users.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Body)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
