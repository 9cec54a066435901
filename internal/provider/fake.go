package provider

import (
	"context"
	"sync"
)

// FakeProvider is a scriptable in-memory Provider for tests and local
// runs without an upstream model.
type FakeProvider struct {
	mu        sync.Mutex
	Responses []string // consumed in order; last entry repeats
	Error     error
	Errors    []error // consumed in order before Error; nil entries succeed
	calls     []Request
	next      int
}

func NewFake(responses ...string) *FakeProvider {
	if len(responses) == 0 {
		responses = []string{"I cannot help with that."}
	}
	return &FakeProvider{Responses: responses}
}

func (f *FakeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, *req)

	if f.next < len(f.Errors) {
		if err := f.Errors[f.next]; err != nil {
			f.next++
			return nil, err
		}
	} else if f.Error != nil {
		return nil, f.Error
	}

	i := f.next
	if i >= len(f.Responses) {
		i = len(f.Responses) - 1
	}
	f.next++
	return &Response{
		Text:  f.Responses[i],
		Usage: Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

// Calls returns a copy of every request seen so far.
func (f *FakeProvider) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}
