package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taleforge/taleforge/pkg/provider/llm"
	llmmock "github.com/taleforge/taleforge/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	ctx := context.Background()
	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}

	t.Run("uses the primary while it is healthy", func(t *testing.T) {
		primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}}
		fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}}

		f := NewLLMFallback(primary, "primary", CircuitBreakerConfig{})
		f.AddFallback("backup", fallback)

		resp, err := f.Complete(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "primary" {
			t.Errorf("expected primary response, got %q", resp.Content)
		}
		if len(fallback.CompleteCalls) != 0 {
			t.Errorf("fallback must not be called, got %d calls", len(fallback.CompleteCalls))
		}
	})

	t.Run("fails over when the primary errors", func(t *testing.T) {
		primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
		fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}}

		f := NewLLMFallback(primary, "primary", CircuitBreakerConfig{})
		f.AddFallback("backup", fallback)

		resp, err := f.Complete(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "fallback" {
			t.Errorf("expected fallback response, got %q", resp.Content)
		}
	})

	t.Run("reports ErrAllFailed when no backend works", func(t *testing.T) {
		primary := &llmmock.Provider{CompleteErr: errors.New("down")}
		fallback := &llmmock.Provider{CompleteErr: errors.New("also down")}

		f := NewLLMFallback(primary, "primary", CircuitBreakerConfig{})
		f.AddFallback("backup", fallback)

		_, err := f.Complete(ctx, req)
		if !errors.Is(err, ErrAllFailed) {
			t.Errorf("expected ErrAllFailed, got %v", err)
		}
	})

	t.Run("credential errors are not retried against fallbacks", func(t *testing.T) {
		primary := &llmmock.Provider{
			CompleteErr: &llm.CredentialError{Provider: "openrouter", Err: errors.New("401")},
		}
		fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}}

		f := NewLLMFallback(primary, "primary", CircuitBreakerConfig{})
		f.AddFallback("backup", fallback)

		_, err := f.Complete(ctx, req)
		if !llm.IsCredentialError(err) {
			t.Fatalf("expected credential error surfaced, got %v", err)
		}
		if len(fallback.CompleteCalls) != 0 {
			t.Errorf("fallback must not mask a credential error, got %d calls", len(fallback.CompleteCalls))
		}
	})

	t.Run("open breaker skips the primary without calling it", func(t *testing.T) {
		primary := &llmmock.Provider{CompleteErr: errors.New("down")}
		fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback"}}

		f := NewLLMFallback(primary, "primary", CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
		f.AddFallback("backup", fallback)

		// Trip the primary's breaker.
		for i := 0; i < 2; i++ {
			if _, err := f.Complete(ctx, req); err != nil {
				t.Fatalf("call %d should have failed over: %v", i, err)
			}
		}
		callsBefore := len(primary.CompleteCalls)

		if _, err := f.Complete(ctx, req); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(primary.CompleteCalls) != callsBefore {
			t.Errorf("primary called despite open breaker: %d -> %d calls", callsBefore, len(primary.CompleteCalls))
		}
	})
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	ctx := context.Background()
	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}

	t.Run("fails over on connection errors", func(t *testing.T) {
		primary := &llmmock.Provider{StreamErr: errors.New("connect refused")}
		fallback := &llmmock.Provider{
			StreamChunks: []llm.Chunk{{Text: "hello", FinishReason: "stop"}},
		}

		f := NewLLMFallback(primary, "primary", CircuitBreakerConfig{})
		f.AddFallback("backup", fallback)

		ch, err := f.StreamCompletion(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var got string
		for c := range ch {
			got += c.Text
		}
		if got != "hello" {
			t.Errorf("expected fallback stream, got %q", got)
		}
	})
}
