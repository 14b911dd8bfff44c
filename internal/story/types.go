// Package story defines the core data model of a Taleforge game session —
// turns, the running summary, and the persisted session record — together
// with the [Store] interface that session persistence backends implement.
//
// Two storage tiers exist:
//
//   - a single mutable "live" record, overwritten on every turn and every
//     compaction, serving as the crash-safe recovery point, and
//   - append-only "archive" records, created on explicit save, on session
//     replacement, and on disposal. Archives are never overwritten or merged.
//
// Every Store implementation must be safe for concurrent use.
package story

// Role identifies the author of a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one role-tagged message in the conversation. Turns are append-only
// within a live session and immutable once created.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Record is the on-disk projection of a session at a point in time.
// It round-trips losslessly through JSON.
type Record struct {
	// SystemPrompt is the static scenario prompt assembled at session start.
	SystemPrompt string `json:"systemPrompt"`

	// History is the live turn buffer: every turn not yet folded into Summary.
	History []Turn `json:"history"`

	// Summary is the running summary of all turns older than History.
	Summary string `json:"summary"`
}

// Clone returns a deep copy of the record. Stores hand out clones so callers
// can never alias the store's internal state.
func (r Record) Clone() Record {
	out := r
	out.History = make([]Turn, len(r.History))
	copy(out.History, r.History)
	return out
}
