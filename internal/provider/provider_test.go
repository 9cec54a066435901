package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIComplete(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL, "sk-test-key-aaaaaaaaaaaaaaaa", 5*time.Second, 0)
	resp, err := p.Complete(context.Background(), &Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello there")
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("TotalTokens = %d, want 6", resp.Usage.TotalTokens)
	}
	if gotAuth != "Bearer sk-test-key-aaaaaaaaaaaaaaaa" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestOpenAIErrorStatuses(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"error": {"message": "nope", "type": "test_error"}}`)
		}))
		p := NewOpenAI(srv.URL, "k", 5*time.Second, 0)
		_, err := p.Complete(context.Background(), &Request{Model: "m", Prompt: "x"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: want error", tc.status)
		}
		if got := errors.Is(err, ErrServiceUnavailable); got != tc.transient {
			t.Errorf("status %d: transient = %v, want %v (%v)", tc.status, got, tc.transient, err)
		}
	}
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	f := NewFake("ok")
	f.Errors = []error{
		fmt.Errorf("flap 1: %w", ErrServiceUnavailable),
		fmt.Errorf("flap 2: %w", ErrServiceUnavailable),
		nil,
	}
	r := NewRetrying(f, 3, time.Millisecond, 5*time.Millisecond)
	resp, err := r.Complete(context.Background(), &Request{Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q, want %q", resp.Text, "ok")
	}
	if got := len(f.Calls()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	f := NewFake("never")
	f.Error = fmt.Errorf("down: %w", ErrServiceUnavailable)
	r := NewRetrying(f, 3, time.Millisecond, 5*time.Millisecond)
	_, err := r.Complete(context.Background(), &Request{Model: "m", Prompt: "x"})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
	if got := len(f.Calls()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	f := NewFake("never")
	f.Error = errors.New("model rejected the request")
	r := NewRetrying(f, 5, time.Millisecond, 5*time.Millisecond)
	_, err := r.Complete(context.Background(), &Request{Model: "m", Prompt: "x"})
	if err == nil || errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want permanent error", err)
	}
	if got := len(f.Calls()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRetryingHonorsCancellation(t *testing.T) {
	f := NewFake("never")
	f.Error = fmt.Errorf("down: %w", ErrServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRetrying(f, 3, 100*time.Millisecond, time.Second)
	_, err := r.Complete(ctx, &Request{Model: "m", Prompt: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
