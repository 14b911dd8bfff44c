package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeScenario lays out a scenario directory from a map of relative paths to
// file contents.
func writeScenario(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestAssembler_BuildSystemPrompt(t *testing.T) {
	ctx := context.Background()

	t.Run("combines all documents in order", func(t *testing.T) {
		dir := writeScenario(t, map[string]string{
			"00_world_setting.md":    "A drowned kingdom beneath the waves.",
			"01_player_character.md": "Mira, a pearl diver.",
			"02_ai_rules.md":         "Never break character.",
			"characters/bosun.md":    "The Bosun, keeper of tides.",
			"characters/abbess.md":   "The Abbess of the kelp abbey.",
		})
		a := NewAssembler(dir)

		prompt, err := a.BuildSystemPrompt(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for _, want := range []string{
			"A drowned kingdom beneath the waves.",
			"Mira, a pearl diver.",
			"Never break character.",
			"The Bosun, keeper of tides.",
			"The Abbess of the kelp abbey.",
		} {
			if !strings.Contains(prompt, want) {
				t.Errorf("prompt missing %q", want)
			}
		}

		// NPC sheets are joined in file-name order so the prompt is stable.
		if strings.Index(prompt, "Abbess") > strings.Index(prompt, "Bosun") {
			t.Error("expected character sheets in name order")
		}
	})

	t.Run("missing documents become placeholders", func(t *testing.T) {
		a := NewAssembler(t.TempDir())

		prompt, err := a.BuildSystemPrompt(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if prompt == "" {
			t.Fatal("expected a prompt even with no documents")
		}
		if !strings.Contains(prompt, placeholder) {
			t.Errorf("expected placeholder sections, got %q", prompt)
		}
	})

	t.Run("non-markdown files in characters are ignored", func(t *testing.T) {
		dir := writeScenario(t, map[string]string{
			"characters/hero.md":   "The hero.",
			"characters/notes.txt": "editor scratch file",
		})
		a := NewAssembler(dir)

		prompt, err := a.BuildSystemPrompt(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(prompt, "scratch file") {
			t.Error("expected non-markdown character files to be skipped")
		}
	})
}

func TestAssembler_OpeningScene(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the scenario's opening", func(t *testing.T) {
		dir := writeScenario(t, map[string]string{
			"03_opening_scene.md": "The tide recedes, revealing a door.",
		})
		a := NewAssembler(dir)

		got, err := a.OpeningScene(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != "The tide recedes, revealing a door." {
			t.Errorf("unexpected opening %q", got)
		}
	})

	t.Run("falls back when no opening exists", func(t *testing.T) {
		a := NewAssembler(t.TempDir())
		got, err := a.OpeningScene(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != defaultOpening {
			t.Errorf("expected default opening, got %q", got)
		}
	})
}

func TestAssembler_SummarisationTemplate(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers the scenario's template", func(t *testing.T) {
		custom := "Old: {{previous_summary}} New: {{new_log}}"
		dir := writeScenario(t, map[string]string{
			"prompts/summarization_prompt.md": custom,
		})
		a := NewAssembler(dir)

		got, err := a.SummarisationTemplate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != custom {
			t.Errorf("expected custom template, got %q", got)
		}
	})

	t.Run("built-in default carries both placeholders", func(t *testing.T) {
		a := NewAssembler(t.TempDir())
		got, err := a.SummarisationTemplate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(got, "{{previous_summary}}") || !strings.Contains(got, "{{new_log}}") {
			t.Errorf("default template missing placeholders: %q", got)
		}
	})
}
