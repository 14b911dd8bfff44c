package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/taleforge/taleforge/pkg/provider/llm"
)

const (
	characterGenPromptFile    = "prompts/character_generation_prompt.md"
	characterUpdatePromptFile = "prompts/character_update_prompt.md"
	logDigestPromptFile       = "prompts/log_digest_prompt.md"
)

// digestThreshold is the story-log length in characters above which the log
// is condensed into a digest before being handed to sheet generation.
const digestThreshold = 15000

const defaultCharacterGenTemplate = `You are the character archivist of an interactive story game.
From the story log below, write a complete character sheet for {{character_name}}
in markdown: appearance, personality, goals, relationships, and everything the
log reveals about them. State only what the log supports. Respond with the
sheet text only.

## Story log
{{story_log}}`

const defaultCharacterUpdateTemplate = `You are the character archivist of an interactive story game.
Revise the character sheet below so it reflects the latest story summary.
Keep the sheet's structure, change only what the summary contradicts or adds,
and respond with the full updated sheet text only.

## Current character sheet
{{character_sheet}}

## Latest story summary
{{story_summary}}`

const defaultLogDigestTemplate = `Condense the story log below into a factual digest of every scene
involving {{character_name}}: what they did, said, learned, and how others
treated them. No interpretation, no invention. Respond with the digest only.

## Story log
{{story_log}}`

// characterTemperature keeps sheet writing factual rather than creative.
const characterTemperature = 0.1

// CharacterKeeper maintains the NPC sheets under characters/ with an LLM:
// it distils new sheets from the story log and revises existing sheets as
// the running summary evolves. Prompt templates are read from prompts/ with
// built-in fallbacks, like the summarisation template.
type CharacterKeeper struct {
	assembler *Assembler
	llm       llm.Provider
}

// NewCharacterKeeper creates a keeper writing sheets into the assembler's
// scenario directory.
func NewCharacterKeeper(assembler *Assembler, provider llm.Provider) *CharacterKeeper {
	return &CharacterKeeper{assembler: assembler, llm: provider}
}

// Generate writes a fresh character sheet for name, distilled from the parts
// of storyLog that mention them. Returns the path of the new sheet. Fails if
// a sheet for the name already exists, or if the name never appears in the
// log.
func (k *CharacterKeeper) Generate(ctx context.Context, name, storyLog string) (string, error) {
	slug := toSlug(name)
	if slug == "" {
		return "", fmt.Errorf("scenario: %q is not a usable character name", name)
	}

	dir := filepath.Join(k.assembler.dir, charactersDir)
	path := filepath.Join(dir, slug+".md")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("scenario: character sheet %s.md already exists", slug)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scenario: check character sheet: %w", err)
	}

	log := relevantBlocks(storyLog, name)
	if log == "" {
		return "", fmt.Errorf("scenario: %q does not appear in the story log yet", name)
	}
	if len(log) > digestThreshold {
		digest, err := k.digestLog(ctx, name, log)
		if err != nil {
			return "", err
		}
		log = digest
	}

	template := k.templateOr(characterGenPromptFile, defaultCharacterGenTemplate)
	prompt := fillCharacterTemplate(template, map[string]string{
		"character_name": name,
		"story_log":      log,
	})

	sheet, err := k.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("scenario: generate character %q: %w", name, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scenario: create characters directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sheet+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("scenario: write character sheet: %w", err)
	}
	return path, nil
}

// UpdateAll revises every existing character sheet against the latest story
// summary. Sheets are processed concurrently; a failure on one sheet is
// logged and does not stop the others. A blank summary is a no-op.
func (k *CharacterKeeper) UpdateAll(ctx context.Context, summary string) {
	if strings.TrimSpace(summary) == "" {
		return
	}

	dir := filepath.Join(k.assembler.dir, charactersDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("scenario: characters directory unreadable, skipping update", "err", err)
		}
		return
	}

	template := k.templateOr(characterUpdatePromptFile, defaultCharacterUpdateTemplate)

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := k.updateSheet(ctx, template, path, summary); err != nil {
				slog.Warn("scenario: character sheet update failed", "sheet", filepath.Base(path), "err", err)
			}
		}()
	}
	wg.Wait()
}

// updateSheet rewrites one sheet, leaving the file untouched when the model
// returns it unchanged.
func (k *CharacterKeeper) updateSheet(ctx context.Context, template, path, summary string) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	prompt := fillCharacterTemplate(template, map[string]string{
		"character_sheet": strings.TrimSpace(string(existing)),
		"story_summary":   summary,
	})
	sheet, err := k.complete(ctx, prompt)
	if err != nil {
		return err
	}
	if sheet == strings.TrimSpace(string(existing)) {
		return nil
	}
	return os.WriteFile(path, []byte(sheet+"\n"), 0o644)
}

// digestLog condenses an oversized story log into a factual per-character
// digest before sheet generation.
func (k *CharacterKeeper) digestLog(ctx context.Context, name, log string) (string, error) {
	template := k.templateOr(logDigestPromptFile, defaultLogDigestTemplate)
	prompt := fillCharacterTemplate(template, map[string]string{
		"character_name": name,
		"story_log":      log,
	})
	digest, err := k.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("scenario: digest story log for %q: %w", name, err)
	}
	return digest, nil
}

// complete runs one low-temperature call and rejects empty replies.
func (k *CharacterKeeper) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := k.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: characterTemperature,
	})
	if err != nil {
		return "", err
	}
	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Content)
	}
	if text == "" {
		return "", errors.New("model returned an empty response")
	}
	return text, nil
}

// templateOr reads a prompt template from the scenario directory, falling
// back to the built-in default.
func (k *CharacterKeeper) templateOr(rel, fallback string) string {
	if content := k.assembler.readFileSafe(filepath.FromSlash(rel)); content != "" {
		return content
	}
	return fallback
}

func fillCharacterTemplate(template string, vars map[string]string) string {
	for key, val := range vars {
		template = strings.ReplaceAll(template, "{{"+key+"}}", val)
	}
	return template
}

// relevantBlocks keeps the "---"-separated log blocks that mention the
// character, so sheet generation sees their scenes and not the whole story.
// Returns "" when the character never appears.
func relevantBlocks(storyLog, name string) string {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return ""
	}
	var hits []string
	for _, block := range strings.Split(storyLog, "\n---\n") {
		if strings.Contains(strings.ToLower(block), needle) {
			hits = append(hits, block)
		}
	}
	return strings.Join(hits, "\n---\n")
}

// toSlug turns a character name into a filesystem-safe file stem.
func toSlug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
