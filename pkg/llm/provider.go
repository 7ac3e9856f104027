// Package llm provides the model provider abstraction and the serialized
// request queue that every agent component uses for model access.
package llm

import (
	"context"
)

// Request is a single prompt sent to a model provider.
type Request struct {
	System string   `json:"system"`
	User   string   `json:"user"`
	Images []string `json:"images,omitempty"`
}

// Usage carries token accounting reported by the provider.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the provider's completion for a Request.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Provider generates a completion for a prompt. Implementations may be remote
// APIs; callers must treat any error as a failed step, not a fatal condition.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
