// Package scenario assembles the static story context injected into every LLM
// call: the game-master system prompt built from scenario documents, the
// opening scene, and the summarisation prompt template.
//
// Documents live at well-known relative paths under the scenario directory:
//
//	00_world_setting.md                — world and setting description
//	01_player_character.md             — protagonist sheet
//	02_ai_rules.md                     — behaviour rules for the narrator
//	03_opening_scene.md                — opening narration
//	characters/*.md                    — NPC sheets, concatenated
//	prompts/summarization_prompt.md    — summary prompt template
//	prompts/character_generation_prompt.md — sheet generation template
//	prompts/character_update_prompt.md — sheet revision template
//	prompts/log_digest_prompt.md       — oversized-log digest template
//
// A missing document degrades to an empty placeholder section — scenario
// authors can start a game with nothing but a world file.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	worldFile     = "00_world_setting.md"
	playerFile    = "01_player_character.md"
	rulesFile     = "02_ai_rules.md"
	openingFile   = "03_opening_scene.md"
	charactersDir = "characters"
	summaryPrompt = "prompts/summarization_prompt.md"
)

// placeholder marks an absent scenario section in the assembled prompt.
const placeholder = "(not provided)"

// defaultOpening is narrated when no opening-scene document exists.
const defaultOpening = "Welcome, traveller. Your story begins now — where do you go first?"

// defaultSummaryTemplate is the built-in summarisation prompt used when the
// scenario does not ship its own. The {{previous_summary}} and {{new_log}}
// placeholders are filled by the summariser.
const defaultSummaryTemplate = `You are the memory keeper of an interactive story game.
Combine the running summary and the new conversation log below into a single
updated summary. Preserve key decisions, revealed information, character
states, promises made, and unresolved threads. Be concise but keep every
narratively important detail. Respond with the summary text only.

## Running summary so far
{{previous_summary}}

## New conversation log
{{new_log}}`

// systemPromptTemplate is the fixed game-master instruction wrapping the
// scenario sections.
const systemPromptTemplate = `# System instructions
You are the narrator and every non-player character of an interactive story
game. Stay strictly within the setting below and advance the story through
dialogue with the player.

---

## World and setting
%s

---

## The protagonist (player)
%s

---

## Non-player characters
%s

---

## Your rules of conduct
%s`

// Assembler loads scenario documents and builds the static session context.
// The zero value is unusable; create one with [NewAssembler].
type Assembler struct {
	dir string
}

// NewAssembler creates an Assembler reading from the given scenario directory.
func NewAssembler(dir string) *Assembler {
	return &Assembler{dir: dir}
}

// BuildSystemPrompt reads the world, protagonist, NPC, and rules documents
// concurrently and combines them into the session's static system prompt.
// Missing documents become placeholder sections; only context cancellation is
// reported as an error.
func (a *Assembler) BuildSystemPrompt(ctx context.Context) (string, error) {
	var world, player, rules, characters string

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		world = a.readSection(ctx, worldFile)
		return ctx.Err()
	})
	g.Go(func() error {
		player = a.readSection(ctx, playerFile)
		return ctx.Err()
	})
	g.Go(func() error {
		rules = a.readSection(ctx, rulesFile)
		return ctx.Err()
	})
	g.Go(func() error {
		characters = a.readCharacters(ctx)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("scenario: build system prompt: %w", err)
	}

	prompt := fmt.Sprintf(systemPromptTemplate, world, player, characters, rules)
	return strings.TrimSpace(prompt), nil
}

// OpeningScene returns the opening narration, or a fixed fallback line when
// the scenario has no opening document.
func (a *Assembler) OpeningScene(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content := a.readFileSafe(openingFile)
	if content == "" {
		return defaultOpening, nil
	}
	return content, nil
}

// SummarisationTemplate returns the scenario's summarisation prompt template,
// or the built-in default when none is provided.
func (a *Assembler) SummarisationTemplate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content := a.readFileSafe(filepath.FromSlash(summaryPrompt))
	if content == "" {
		return defaultSummaryTemplate, nil
	}
	return content, nil
}

// readSection returns a document's content or the placeholder when absent or
// empty.
func (a *Assembler) readSection(ctx context.Context, rel string) string {
	if ctx.Err() != nil {
		return placeholder
	}
	content := a.readFileSafe(rel)
	if content == "" {
		return placeholder
	}
	return content
}

// readCharacters concatenates all NPC sheets under characters/, separated by
// horizontal rules. Files are joined in name order so the prompt is stable
// across runs.
func (a *Assembler) readCharacters(ctx context.Context) string {
	entries, err := os.ReadDir(filepath.Join(a.dir, charactersDir))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("scenario: characters directory unreadable", "dir", a.dir, "err", err)
		}
		return placeholder
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var sheets []string
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if content := a.readFileSafe(filepath.Join(charactersDir, name)); content != "" {
			sheets = append(sheets, content)
		}
	}
	if len(sheets) == 0 {
		return placeholder
	}
	return strings.Join(sheets, "\n\n---\n\n")
}

// readFileSafe reads a document relative to the scenario directory, returning
// an empty string when the file is missing or unreadable. A read failure other
// than absence is logged — authors should know about permission problems.
func (a *Assembler) readFileSafe(rel string) string {
	data, err := os.ReadFile(filepath.Join(a.dir, rel))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("scenario: document unreadable, treating as empty", "file", rel, "err", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
