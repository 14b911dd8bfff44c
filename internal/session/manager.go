package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taleforge/taleforge/internal/observe"
	"github.com/taleforge/taleforge/internal/scenario"
	"github.com/taleforge/taleforge/internal/story"
	"github.com/taleforge/taleforge/pkg/provider/llm"
)

// ErrNotStarted is returned by operations that require an active session.
var ErrNotStarted = errors.New("session: no active session")

// Default buffer sizing. The short-term window is how many raw turns stay
// verbatim after a compaction; the threshold is the buffer length that
// triggers one.
const (
	defaultShortTermWindow     = 20
	defaultCompactionThreshold = 30
)

// defaultTemperature is the sampling temperature for narrative turns.
const defaultTemperature = 0.8

// UndoResult reports the outcome of an undo request. Undo failing is an
// expected gameplay condition, not an error: the caller shows Reason to the
// player and the session continues unchanged.
type UndoResult struct {
	Success bool
	Reason  string
}

// Manager owns one story session: the static system prompt, the live turn
// buffer, and the running summary. It drives narrative turns through an LLM
// provider, folds old turns into the summary when the buffer grows past the
// compaction threshold, and persists a recovery point after every mutation.
//
// The manager holds its lock across store I/O but always releases it around
// LLM calls, so a slow model never blocks inspection or a concurrent undo.
//
// All methods are safe for concurrent use.
type Manager struct {
	provider   llm.Provider
	summariser Summariser
	store      story.Store
	assembler  *scenario.Assembler
	metrics    *observe.Metrics

	temperature         float64
	maxTokens           int
	shortTermWindow     int
	compactionThreshold int
	compactionHook      func(ctx context.Context, summary string)

	mu           sync.Mutex
	started      bool
	systemPrompt string
	turns        []story.Turn
	summary      string
	summarising  bool

	// generation increments whenever the session identity changes (new game,
	// load, close). An in-flight compaction or narrative reply from an older
	// generation discards its result instead of mutating the new session.
	generation uint64
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics attaches metric instruments. A nil *Metrics records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithShortTermWindow sets how many raw turns survive a compaction.
func WithShortTermWindow(n int) Option {
	return func(mgr *Manager) {
		if n > 0 {
			mgr.shortTermWindow = n
		}
	}
}

// WithCompactionThreshold sets the buffer length that triggers a compaction.
func WithCompactionThreshold(n int) Option {
	return func(mgr *Manager) {
		if n > 0 {
			mgr.compactionThreshold = n
		}
	}
}

// WithTemperature sets the sampling temperature for narrative turns.
func WithTemperature(t float64) Option {
	return func(mgr *Manager) {
		mgr.temperature = t
	}
}

// WithMaxTokens caps completion length for narrative turns. Zero means the
// provider default.
func WithMaxTokens(n int) Option {
	return func(mgr *Manager) {
		mgr.maxTokens = n
	}
}

// WithCompactionHook registers a function invoked on its own goroutine after
// every successful compaction, with the freshly installed summary. Used to
// keep derived state, such as character sheets, in step with the story.
func WithCompactionHook(fn func(ctx context.Context, summary string)) Option {
	return func(mgr *Manager) {
		mgr.compactionHook = fn
	}
}

// NewManager creates a session manager. The store should usually be wrapped
// in a [Guard] so live writes cannot interrupt gameplay.
func NewManager(provider llm.Provider, summariser Summariser, store story.Store, assembler *scenario.Assembler, opts ...Option) *Manager {
	m := &Manager{
		provider:            provider,
		summariser:          summariser,
		store:               store,
		assembler:           assembler,
		temperature:         defaultTemperature,
		shortTermWindow:     defaultShortTermWindow,
		compactionThreshold: defaultCompactionThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reconfigure applies options to a running manager. Intended for session
// boundaries (new game, load), so refreshed configuration takes effect
// without restarting the process.
func (m *Manager) Reconfigure(opts ...Option) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, opt := range opts {
		opt(m)
	}
}

// StartNew begins a fresh session and returns the opening narration.
//
// Calling StartNew on a session that already has turns does not discard
// anything: it resumes, returning the most recent narrator reply (or the
// opening scene if the narrator has not spoken yet). A previous session found
// in the live slot is archived before being replaced.
func (m *Manager) StartNew(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started && len(m.turns) > 0 {
		return m.lastNarratorLineLocked(), nil
	}

	if !m.started {
		if err := m.archiveLiveSlotLocked(ctx); err != nil {
			return "", fmt.Errorf("session: %w", err)
		}
	}

	prompt, err := m.assembler.BuildSystemPrompt(ctx)
	if err != nil {
		return "", err
	}
	opening, err := m.assembler.OpeningScene(ctx)
	if err != nil {
		return "", err
	}

	m.generation++
	m.started = true
	m.systemPrompt = prompt
	m.summary = ""
	m.turns = []story.Turn{{Role: story.RoleAssistant, Content: opening}}
	m.persistLiveLocked(ctx)

	m.metrics.SessionStarted(ctx)
	m.metrics.RecordTurn(ctx, string(story.RoleAssistant))
	return opening, nil
}

// AddMessage appends the player's message, obtains the narrator's reply, and
// persists the updated session. A compaction is triggered afterwards if the
// buffer has grown past the threshold.
//
// On provider failure the player's message is rolled back so a retry does not
// duplicate it.
func (m *Manager) AddMessage(ctx context.Context, content string) (string, error) {
	return m.exchange(ctx, content, nil)
}

// AddMessageStream behaves like [Manager.AddMessage] but streams the reply:
// sink is called with each text fragment as it arrives. The full reply is
// returned once the stream ends.
func (m *Manager) AddMessageStream(ctx context.Context, content string, sink func(text string)) (string, error) {
	if sink == nil {
		return m.exchange(ctx, content, nil)
	}
	return m.exchange(ctx, content, sink)
}

// AppendTurn appends a single turn without driving a model round-trip. It is
// the low-level mutation behind [Manager.AddMessage]: the turn is persisted
// before returning, and the compaction trigger is evaluated only after
// assistant turns.
func (m *Manager) AppendTurn(ctx context.Context, role story.Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	if !role.IsValid() {
		return fmt.Errorf("session: invalid role %q", role)
	}

	m.turns = append(m.turns, story.Turn{Role: role, Content: content})
	m.metrics.RecordTurn(ctx, string(role))
	m.persistLiveLocked(ctx)
	if role == story.RoleAssistant {
		m.maybeCompactLocked(ctx)
	}
	return nil
}

func (m *Manager) exchange(ctx context.Context, content string, sink func(string)) (string, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return "", ErrNotStarted
	}
	m.turns = append(m.turns, story.Turn{Role: story.RoleUser, Content: content})
	m.metrics.RecordTurn(ctx, string(story.RoleUser))
	m.persistLiveLocked(ctx)
	msgs := m.historyForLLMLocked()
	gen := m.generation
	temperature, maxTokens := m.temperature, m.maxTokens
	m.mu.Unlock()

	req := llm.CompletionRequest{
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	start := time.Now()
	reply, err := m.completeNarrative(ctx, req, sink)
	m.metrics.RecordLLMDuration(ctx, time.Since(start).Seconds())

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		if err != nil {
			return "", err
		}
		return reply, nil
	}
	if err != nil {
		m.rollbackUserTurnLocked(content)
		m.persistLiveLocked(ctx)
		m.mu.Unlock()
		return "", err
	}

	m.turns = append(m.turns, story.Turn{Role: story.RoleAssistant, Content: reply})
	m.metrics.RecordTurn(ctx, string(story.RoleAssistant))
	m.persistLiveLocked(ctx)
	m.maybeCompactLocked(ctx)
	m.mu.Unlock()
	return reply, nil
}

// completeNarrative runs one LLM round-trip, streaming when sink is non-nil.
func (m *Manager) completeNarrative(ctx context.Context, req llm.CompletionRequest, sink func(string)) (string, error) {
	if sink == nil {
		resp, err := m.provider.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("session: narrative turn: %w", err)
		}
		return resp.Content, nil
	}

	chunks, err := m.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("session: narrative turn: %w", err)
	}
	var sb strings.Builder
	var streamErr error
	for c := range chunks {
		if c.Text != "" {
			sb.WriteString(c.Text)
			sink(c.Text)
		}
		if c.FinishReason == "error" {
			streamErr = errors.New("session: narrative stream failed")
		}
	}
	if streamErr != nil {
		return "", streamErr
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("session: narrative turn: %w", ctx.Err())
	}
	return sb.String(), nil
}

// rollbackUserTurnLocked removes the player's message appended by exchange if
// it is still the tail of the buffer. Must be called with m.mu held.
func (m *Manager) rollbackUserTurnLocked(content string) {
	n := len(m.turns)
	if n == 0 {
		return
	}
	last := m.turns[n-1]
	if last.Role == story.RoleUser && last.Content == content {
		m.turns = m.turns[:n-1]
	}
}

// HistoryForLLM returns the message list for the next narrative call: one
// leading system message combining the static prompt with the running
// summary, followed by the last shortTermWindow turns verbatim. The lead
// message is rebuilt on every call so a fresh summary is visible immediately.
// Returns [ErrNotStarted] when no session is active.
func (m *Manager) HistoryForLLM() ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.historyForLLMLocked(), nil
}

func (m *Manager) historyForLLMLocked() []llm.Message {
	lead := m.systemPrompt
	if m.summary != "" {
		lead = fmt.Sprintf("%s\n\n## The story so far\n%s", lead, m.summary)
	}

	start := len(m.turns) - m.shortTermWindow
	if start < 0 {
		start = 0
	}
	window := m.turns[start:]

	msgs := make([]llm.Message, 0, len(window)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: lead})
	for _, t := range window {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

// History returns a copy of the live turn buffer.
func (m *Manager) History() []story.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]story.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Summary returns the current running summary.
func (m *Manager) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// Started reports whether a session is active.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Save archives the current session state and refreshes the live slot.
// Returns the archive name.
func (m *Manager) Save(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return "", ErrNotStarted
	}

	name, err := m.store.Archive(ctx, m.recordLocked())
	if err != nil {
		return "", fmt.Errorf("session: save: %w", err)
	}
	m.persistLiveLocked(ctx)
	observe.Logger(ctx).Info("session saved", "archive", name, "turns", len(m.turns))
	return name, nil
}

// Load replaces the current session with the named archive. The running
// session, if it has any turns, is archived first so loading never loses
// progress. A corrupt archive aborts the load without touching state.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.ReadArchive(ctx, name)
	if err != nil {
		return fmt.Errorf("session: load %q: %w", name, err)
	}
	// Without an in-memory session the live slot may still hold one left by
	// an earlier process; it must not be silently overwritten.
	if !m.started {
		if err := m.archiveLiveSlotLocked(ctx); err != nil {
			return fmt.Errorf("session: load %q: %w", name, err)
		}
	}
	return m.replaceLocked(ctx, rec)
}

// archiveLiveSlotLocked preserves a non-empty live record before it is
// overwritten by a new or loaded session. An unreadable record is logged and
// skipped. Must be called with m.mu held.
func (m *Manager) archiveLiveSlotLocked(ctx context.Context) error {
	prev, err := m.store.ReadLive(ctx)
	switch {
	case err == nil && len(prev.History) > 0:
		if _, aerr := m.store.Archive(ctx, prev); aerr != nil {
			return fmt.Errorf("archive previous session: %w", aerr)
		}
	case err != nil && !errors.Is(err, story.ErrNotFound):
		observe.Logger(ctx).Warn("session: previous live record unreadable, skipping archive", "error", err)
	}
	return nil
}

// LoadLatest restores the most recent session: the live record when one
// exists, otherwise the newest archive. Returns [story.ErrNotFound] when
// there is nothing to restore.
func (m *Manager) LoadLatest(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.ReadLive(ctx)
	if err == nil && len(rec.History) == 0 {
		// An empty live slot is what Close leaves behind; the real session is
		// in the archives.
		err = story.ErrNotFound
	}
	if errors.Is(err, story.ErrNotFound) {
		names, lerr := m.store.ListArchives(ctx)
		if lerr != nil {
			return fmt.Errorf("session: load latest: %w", lerr)
		}
		if len(names) == 0 {
			return fmt.Errorf("session: load latest: %w", story.ErrNotFound)
		}
		rec, err = m.store.ReadArchive(ctx, names[len(names)-1])
	}
	if err != nil {
		return fmt.Errorf("session: load latest: %w", err)
	}
	return m.replaceLocked(ctx, rec)
}

// replaceLocked archives the running session if needed, then installs rec as
// the new session state. Must be called with m.mu held.
func (m *Manager) replaceLocked(ctx context.Context, rec story.Record) error {
	if m.started && len(m.turns) > 0 {
		if _, err := m.store.Archive(ctx, m.recordLocked()); err != nil {
			return fmt.Errorf("session: archive before load: %w", err)
		}
	}

	rec = rec.Clone()
	wasStarted := m.started
	m.generation++
	m.started = true
	m.systemPrompt = rec.SystemPrompt
	m.turns = rec.History
	m.summary = rec.Summary
	m.persistLiveLocked(ctx)

	if !wasStarted {
		m.metrics.SessionStarted(ctx)
	}
	observe.Logger(ctx).Info("session loaded", "turns", len(m.turns), "has_summary", m.summary != "")
	return nil
}

// UndoLastTurn removes the most recent player/narrator exchange. It succeeds
// only when the buffer ends with a complete pair; anything else — an empty
// session, a dangling player message, a compaction in flight — leaves state
// untouched and explains why.
func (m *Manager) UndoLastTurn(ctx context.Context) UndoResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return UndoResult{Reason: "no active session"}
	}
	if m.summarising {
		return UndoResult{Reason: "summarisation in progress, try again in a moment"}
	}
	n := len(m.turns)
	if n < 2 {
		return UndoResult{Reason: "nothing to undo"}
	}
	if m.turns[n-1].Role != story.RoleAssistant || m.turns[n-2].Role != story.RoleUser {
		return UndoResult{Reason: "last exchange is incomplete"}
	}

	m.turns = m.turns[:n-2]
	m.persistLiveLocked(ctx)
	return UndoResult{Success: true}
}

// ExportMarkdown renders an archived session, or the current one when name
// is empty, as a markdown story log.
func (m *Manager) ExportMarkdown(ctx context.Context, name string) (string, error) {
	if name == "" {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.started {
			return "", ErrNotStarted
		}
		return m.recordLocked().Markdown("current session"), nil
	}

	rec, err := m.store.ReadArchive(ctx, name)
	if err != nil {
		return "", fmt.Errorf("session: export %q: %w", name, err)
	}
	return rec.Markdown(name), nil
}

// StoryLog renders the running summary and the buffered turns as a flat
// transcript of "---"-separated blocks, the form character sheet generation
// consumes. Empty when no session is active.
func (m *Manager) StoryLog() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var blocks []string
	if m.summary != "" {
		blocks = append(blocks, "Story so far: "+m.summary)
	}
	for _, t := range m.turns {
		switch t.Role {
		case story.RoleUser:
			blocks = append(blocks, "Player: "+t.Content)
		case story.RoleAssistant:
			blocks = append(blocks, "Narrator: "+t.Content)
		}
	}
	return strings.Join(blocks, "\n---\n")
}

// ListSaves returns the names of all archived sessions, oldest first.
func (m *Manager) ListSaves(ctx context.Context) ([]string, error) {
	return m.store.ListArchives(ctx)
}

// Close archives the session and disposes of the in-memory state. Safe to
// call without an active session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}

	rec := m.recordLocked()
	name, err := m.store.Archive(ctx, rec)

	m.generation++
	m.started = false
	m.systemPrompt = ""
	m.turns = nil
	m.summary = ""
	// Clear the live slot so a disposed session is only reachable through its
	// archive and a later StartNew does not archive it twice.
	m.persistLiveLocked(ctx)
	m.metrics.SessionEnded(ctx)

	if err != nil {
		return fmt.Errorf("session: archive on close: %w", err)
	}
	observe.Logger(ctx).Info("session archived on close", "archive", name, "turns", len(rec.History))
	return nil
}

// maybeCompactLocked folds the oldest turns into the summary when the buffer
// has grown past the compaction threshold. The lock is released around the
// summarisation LLM call; turns appended in the meantime are untouched
// because only the snapshotted prefix is removed. Must be called with m.mu
// held; returns with m.mu held.
func (m *Manager) maybeCompactLocked(ctx context.Context) {
	if m.summarising || len(m.turns) < m.compactionThreshold {
		return
	}
	cut := len(m.turns) - m.shortTermWindow
	if cut <= 0 {
		return
	}

	m.summarising = true
	gen := m.generation
	prefix := make([]story.Turn, cut)
	copy(prefix, m.turns[:cut])
	prev := m.summary

	m.mu.Unlock()
	ctx, span := observe.StartSpan(ctx, "session.compact")
	start := time.Now()
	newSummary, err := m.summariser.Summarise(ctx, prev, prefix)
	m.metrics.RecordSummariseDuration(ctx, time.Since(start).Seconds())
	span.End()
	m.mu.Lock()

	m.summarising = false
	if m.generation != gen {
		m.metrics.RecordCompaction(ctx, "stale")
		return
	}
	if err != nil {
		m.metrics.RecordCompaction(ctx, "failed")
		observe.Logger(ctx).Warn("session: compaction failed, keeping full buffer",
			"turns", len(m.turns),
			"error", err,
		)
		return
	}

	m.summary = newSummary
	m.turns = append([]story.Turn(nil), m.turns[cut:]...)
	m.persistLiveLocked(ctx)
	m.metrics.RecordCompaction(ctx, "ok")
	if m.compactionHook != nil {
		go m.compactionHook(ctx, newSummary)
	}
	observe.Logger(ctx).Info("session compacted",
		"folded_turns", cut,
		"remaining_turns", len(m.turns),
	)
}

// recordLocked snapshots the session as a persistable record. Must be called
// with m.mu held.
func (m *Manager) recordLocked() story.Record {
	rec := story.Record{
		SystemPrompt: m.systemPrompt,
		History:      m.turns,
		Summary:      m.summary,
	}
	return rec.Clone()
}

// persistLiveLocked refreshes the crash-recovery point. The store is expected
// to be guard-wrapped, so this never fails mid-turn. Must be called with m.mu
// held.
func (m *Manager) persistLiveLocked(ctx context.Context) {
	if err := m.store.WriteLive(ctx, m.recordLocked()); err != nil {
		observe.Logger(ctx).Warn("session: live write failed", "error", err)
	}
}

// lastNarratorLineLocked returns the most recent assistant turn, falling back
// to the empty string when the narrator has not spoken. Must be called with
// m.mu held.
func (m *Manager) lastNarratorLineLocked() string {
	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].Role == story.RoleAssistant {
			return m.turns[i].Content
		}
	}
	return ""
}
