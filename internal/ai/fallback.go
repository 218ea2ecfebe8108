package ai

import (
	"context"

	"github.com/pkg/errors"

	"sqlgrep/internal/util"
)

// FallbackClient tries each delegate in order and returns the first
// successful response. The last error is surfaced when all fail.
type FallbackClient struct {
	clients []Client
	names   []string
}

// NewFallback wires delegates in priority order. Names must align with
// clients and are used for log attribution only.
func NewFallback(clients []Client, names []string) *FallbackClient {
	return &FallbackClient{clients: clients, names: names}
}

func (f *FallbackClient) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if len(f.clients) == 0 {
		return nil, errors.New("no ai clients configured")
	}
	var lastErr error
	for i, client := range f.clients {
		resp, err := client.Chat(ctx, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i < len(f.clients)-1 {
			util.Warnf("ai provider %s failed, trying next: %v", f.name(i), err)
		}
	}
	return nil, lastErr
}

func (f *FallbackClient) name(i int) string {
	if i < len(f.names) {
		return f.names[i]
	}
	return "unknown"
}
