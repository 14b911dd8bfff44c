package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taleforge/taleforge/pkg/provider/llm"
)

// ErrAllFailed is returned when every backend in an [LLMFallback] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// llmEntry pairs a provider with its dedicated circuit breaker.
type llmEntry struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary
// fails or its breaker is open, the next healthy fallback is tried.
//
// Credential errors are not retried against fallbacks — a missing or rejected
// key needs user action, and masking it behind a different backend would hide
// the re-authentication prompt.
type LLMFallback struct {
	entries []llmEntry
	cbCfg   CircuitBreakerConfig
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cbCfg CircuitBreakerConfig) *LLMFallback {
	cfg := cbCfg
	cfg.Name = primaryName
	return &LLMFallback{
		entries: []llmEntry{{
			name:     primaryName,
			provider: primary,
			breaker:  NewCircuitBreaker(cfg),
		}},
		cbCfg: cbCfg,
	}
}

// AddFallback registers an additional LLM provider as a fallback.
// Fallbacks are tried in the order they are added, after the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	cfg := f.cbCfg
	cfg.Name = name
	f.entries = append(f.entries, llmEntry{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	})
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return execute(f, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion sends the request to the first healthy provider and returns
// a streaming chunk channel. Only the initial connection attempt is covered by
// failover; once a stream is established, mid-stream errors are the caller's
// responsibility.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return execute(f, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the primary provider's token counter.
// Token estimation is local and does not participate in failover.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.entries[0].provider.CountTokens(messages)
}

// Capabilities returns the capabilities of the primary. This does not
// participate in failover because capabilities are static metadata.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.entries[0].provider.Capabilities()
}

// execute tries fn against each entry until one succeeds. This is a
// package-level function because Go does not support method-level type
// parameters.
func execute[R any](f *LLMFallback, fn func(llm.Provider) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range f.entries {
		entry := &f.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.provider)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if llm.IsCredentialError(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
