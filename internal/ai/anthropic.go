package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicDefaultURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	version    string
	httpClient *http.Client
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
	Version   string
	Timeout   time.Duration
}

// NewAnthropic creates a client with defaults applied.
func NewAnthropic(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultURL
	}
	if cfg.Version == "" {
		cfg.Version = "2023-06-01"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		baseURL:    cfg.BaseURL,
		version:    cfg.Version,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends the message sequence and returns the assistant reply.
// System messages are lifted into the request-level system field as the
// messages API does not accept a system role.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if c.apiKey == "" {
		return nil, &ProviderError{Provider: "anthropic", Body: "api key not configured"}
	}

	system, prepared := splitSystem(messages)
	if len(prepared) == 0 {
		return nil, &ProviderError{Provider: "anthropic", Body: "no user or assistant messages to send"}
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  prepared,
	})
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "anthropic", Status: resp.StatusCode, Body: string(payload)}
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}

	var segments []string
	for _, block := range decoded.Content {
		if block.Type == "text" && block.Text != "" {
			segments = append(segments, block.Text)
		}
	}
	content := strings.TrimSpace(strings.Join(segments, "\n"))
	if content == "" {
		return nil, &ProviderError{Provider: "anthropic", Body: "response contained no text content"}
	}

	return &Response{
		Content:          content,
		PromptTokens:     decoded.Usage.InputTokens,
		CompletionTokens: decoded.Usage.OutputTokens,
	}, nil
}

func splitSystem(messages []Message) (string, []anthropicMessage) {
	var system []string
	var prepared []anthropicMessage
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch strings.ToLower(m.Role) {
		case RoleSystem:
			system = append(system, text)
		case RoleUser, RoleAssistant:
			prepared = append(prepared, anthropicMessage{
				Role:    strings.ToLower(m.Role),
				Content: []anthropicBlock{{Type: "text", Text: text}},
			})
		}
	}
	return strings.Join(system, "\n\n"), prepared
}
