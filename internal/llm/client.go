// Package llm provides completion provider clients behind a single
// provider-neutral interface.
package llm

import (
	"context"
	"fmt"
)

// Client is the interface that all completion providers implement.
type Client interface {
	// Chat sends a completion request. When tools is non-empty the
	// provider may answer with tool calls instead of text; tool choice
	// is left to the model.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error

	// Provider names the backend ("openai", "ollama") for logs and the
	// usage ledger.
	Provider() string
}

// ProviderError is a failed exchange with the completion provider:
// transport error, timeout, non-success status or undecodable body.
type ProviderError struct {
	Provider   string
	StatusCode int // zero when no HTTP response was received
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }
