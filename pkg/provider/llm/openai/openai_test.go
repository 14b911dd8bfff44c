package openai

import (
	"errors"
	"testing"

	"github.com/taleforge/taleforge/pkg/provider/llm"
)

func TestNew(t *testing.T) {
	t.Run("empty api key is a credential error", func(t *testing.T) {
		_, err := New("", "gpt-4o", WithName("openrouter"))
		if !llm.IsCredentialError(err) {
			t.Fatalf("expected credential error, got %v", err)
		}
		var credErr *llm.CredentialError
		if !errors.As(err, &credErr) || credErr.Provider != "openrouter" {
			t.Errorf("expected provider name in error, got %v", err)
		}
	})

	t.Run("missing model is rejected", func(t *testing.T) {
		if _, err := New("sk-test", ""); err == nil {
			t.Fatal("expected error for empty model")
		}
	})

	t.Run("valid arguments construct a provider", func(t *testing.T) {
		p, err := New("sk-test", "gpt-4o", WithBaseURL("https://openrouter.ai/api/v1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p == nil {
			t.Fatal("expected provider")
		}
	})
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantWindow  int
		wantMaxOut  int
	}{
		{"gpt-4o", 128_000, 16_384},
		{"openai/gpt-4o", 128_000, 16_384},
		{"openai/gpt-4o-mini", 128_000, 16_384},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-preview", 200_000, 100_000},
		{"some-unknown-model", 128_000, 4_096},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("context window: expected %d, got %d", tc.wantWindow, caps.ContextWindow)
			}
			if caps.MaxOutputTokens != tc.wantMaxOut {
				t.Errorf("max output: expected %d, got %d", tc.wantMaxOut, caps.MaxOutputTokens)
			}
			if !caps.SupportsStreaming {
				t.Error("expected streaming support")
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	p, err := New("sk-test", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}

	n, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "This is roughly sixteen characters long."},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n <= 0 {
		t.Errorf("expected a positive token estimate, got %d", n)
	}
}
