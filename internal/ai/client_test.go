package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIChat(t *testing.T) {
	var gotAuth string
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "  hello  "}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	client := NewOpenAI(OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL})
	resp, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content = %q, want %q", resp.Content, "hello")
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 3 {
		t.Fatalf("usage = %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
	if resp.TotalTokens() != 15 {
		t.Fatalf("total tokens = %d", resp.TotalTokens())
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Messages) != 2 {
		t.Fatalf("request = %+v", gotReq)
	}
}

func TestOpenAIChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if perr.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d", perr.Status)
	}
}

func TestOpenAIChatMissingKey(t *testing.T) {
	client := NewOpenAI(OpenAIConfig{})
	if _, err := client.Chat(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestAnthropicChatLiftsSystem(t *testing.T) {
	var gotKey, gotVersion string
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "part one"},
				{"type": "text", "text": "part two"},
			},
			"usage": map[string]int{"input_tokens": 40, "output_tokens": 8},
		})
	}))
	defer srv.Close()

	client := NewAnthropic(AnthropicConfig{APIKey: "ak-test", BaseURL: srv.URL, MaxTokens: 512})
	resp, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: "draft"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "part one\npart two" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.PromptTokens != 40 || resp.CompletionTokens != 8 {
		t.Fatalf("usage = %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
	if gotKey != "ak-test" || gotVersion != "2023-06-01" {
		t.Fatalf("headers = %q / %q", gotKey, gotVersion)
	}
	if gotReq.System != "rules" {
		t.Fatalf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "user" || gotReq.Messages[1].Role != "assistant" {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens != 512 {
		t.Fatalf("max tokens = %d", gotReq.MaxTokens)
	}
}

type fakeClient struct {
	resp *Response
	err  error
}

func (f *fakeClient) Chat(ctx context.Context, messages []Message) (*Response, error) {
	return f.resp, f.err
}

func TestFallbackUsesNextClient(t *testing.T) {
	failing := &fakeClient{err: &ProviderError{Provider: "openai", Status: 500, Body: "boom"}}
	working := &fakeClient{resp: &Response{Content: "ok"}}

	fb := NewFallback([]Client{failing, working}, []string{"openai", "anthropic"})
	resp, err := fb.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestFallbackSurfacesLastError(t *testing.T) {
	first := &fakeClient{err: &ProviderError{Provider: "openai", Body: "first"}}
	second := &fakeClient{err: &ProviderError{Provider: "anthropic", Body: "second"}}

	fb := NewFallback([]Client{first, second}, []string{"openai", "anthropic"})
	_, err := fb.Chat(context.Background(), nil)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v", err)
	}
	if perr.Provider != "anthropic" {
		t.Fatalf("provider = %q, want last error surfaced", perr.Provider)
	}
}

func TestFallbackEmpty(t *testing.T) {
	fb := NewFallback(nil, nil)
	if _, err := fb.Chat(context.Background(), nil); err == nil {
		t.Fatal("expected error with no clients")
	}
}
