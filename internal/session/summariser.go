// Package session implements the story-session lifecycle: the turn buffer and
// its compaction into a running summary ([Manager]), LLM-backed summarisation
// ([Summariser], [LLMSummariser]), and graceful persistence degradation
// ([Guard]).
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/taleforge/taleforge/internal/story"
	"github.com/taleforge/taleforge/pkg/provider/llm"
)

// Template placeholders filled by the summariser before each call.
const (
	previousSummaryPlaceholder = "{{previous_summary}}"
	newLogPlaceholder          = "{{new_log}}"
)

// noPreviousSummary stands in for {{previous_summary}} on the first compaction.
const noPreviousSummary = "(none yet — this is the beginning of the story)"

// Summariser folds a batch of old turns into the running story summary.
type Summariser interface {
	// Summarise combines previousSummary with the given turns into an updated
	// summary.
	//
	// Summarise is fail-soft: when the model call fails or returns an empty
	// response, it returns previousSummary unchanged together with a non-nil
	// error, so callers can keep the old summary and retry later without ever
	// losing narrative memory.
	Summarise(ctx context.Context, previousSummary string, turns []story.Turn) (string, error)
}

// LLMSummariser implements [Summariser] using an LLM provider and a prompt
// template containing {{previous_summary}} and {{new_log}} placeholders.
type LLMSummariser struct {
	llm         llm.Provider
	template    string
	temperature float64
}

// SummariserOption configures an [LLMSummariser].
type SummariserOption func(*LLMSummariser)

// WithSummariserTemperature overrides the sampling temperature used for
// summarisation calls. The default is deliberately low so summaries stay
// factual rather than creative.
func WithSummariserTemperature(t float64) SummariserOption {
	return func(s *LLMSummariser) {
		s.temperature = t
	}
}

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider and
// prompt template.
func NewLLMSummariser(provider llm.Provider, template string, opts ...SummariserOption) *LLMSummariser {
	s := &LLMSummariser{
		llm:         provider,
		template:    template,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarise fills the prompt template with the previous summary and a
// transcript of turns, then asks the model for the updated summary.
func (s *LLMSummariser) Summarise(ctx context.Context, previousSummary string, turns []story.Turn) (string, error) {
	if len(turns) == 0 {
		return previousSummary, nil
	}

	prev := previousSummary
	if strings.TrimSpace(prev) == "" {
		prev = noPreviousSummary
	}

	prompt := strings.ReplaceAll(s.template, previousSummaryPlaceholder, prev)
	prompt = strings.ReplaceAll(prompt, newLogPlaceholder, formatTranscript(turns))

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: s.temperature,
	})
	if err != nil {
		return previousSummary, fmt.Errorf("summarise: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return previousSummary, fmt.Errorf("summarise: model returned empty summary")
	}
	return strings.TrimSpace(resp.Content), nil
}

// formatTranscript renders turns as a readable log for the summarisation
// prompt.
func formatTranscript(turns []story.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		speaker := "System"
		switch t.Role {
		case story.RoleUser:
			speaker = "Player"
		case story.RoleAssistant:
			speaker = "Narrator"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, t.Content)
	}
	return strings.TrimSpace(sb.String())
}
