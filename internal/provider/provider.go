// Package provider defines the LLM client abstraction used by the
// research pipeline. Each provider translates the internal request shape
// to a specific API (Anthropic, OpenAI-compatible) and supports both
// buffered completion and token streaming.
package provider

import (
	"context"
	"fmt"

	"github.com/peregrine-ai/researchd/internal/config"
)

// Provider is the interface for LLM backends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a completion request and invokes onDelta for each
	// text fragment as it arrives, then returns the assembled response.
	// onDelta runs on the caller's goroutine between reads.
	Stream(ctx context.Context, req *Request, onDelta func(delta string)) (*Response, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Request is the input to a completion call.
type Request struct {
	// System is the system-level instruction.
	System string

	// Messages is the conversation history.
	Messages []Message

	// Model is the specific model id.
	Model string

	// MaxTokens caps output length (0 uses the provider default).
	MaxTokens int
}

// Message is a single conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Response is the output of a completion call.
type Response struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input + output.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Add accumulates another call's usage.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// New creates a provider from configuration.
func New(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "", "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}
