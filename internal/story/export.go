package story

import (
	"fmt"
	"strings"
)

// Markdown renders the record as a readable story-log document: the scenario
// settings fenced off, the running summary, then the transcript with player
// lines labelled and narrator passages separated by horizontal rules. source
// names where the record came from (an archive name, or "current session").
func (r Record) Markdown(source string) string {
	var sb strings.Builder
	sb.WriteString("# Story Log Export\n\n")
	if source != "" {
		fmt.Fprintf(&sb, "*Exported from: %s*\n\n", source)
	}

	if r.SystemPrompt != "" {
		sb.WriteString("## Scenario Settings\n\n")
		fmt.Fprintf(&sb, "```\n%s\n```\n\n", r.SystemPrompt)
	}
	if r.Summary != "" {
		sb.WriteString("## Story Summary\n\n")
		sb.WriteString(r.Summary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Conversation\n\n---\n\n")
	for _, t := range r.History {
		switch t.Role {
		case RoleUser:
			fmt.Fprintf(&sb, "**You:**\n%s\n\n", t.Content)
		case RoleAssistant:
			fmt.Fprintf(&sb, "%s\n\n---\n\n", t.Content)
		}
	}
	return sb.String()
}
