// Package provider abstracts the upstream LLM endpoints: the protected
// model served through the gateway and the auxiliary models used for
// probe generation, judging, and policy synthesis.
package provider

import (
	"context"
	"errors"
)

// ErrServiceUnavailable marks transient upstream failures. Callers may
// retry; the Retrying wrapper does so with backoff.
var ErrServiceUnavailable = errors.New("provider unavailable")

// Request is a single completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Usage reports upstream token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completed request.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is the interface for all upstream LLM endpoints.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
