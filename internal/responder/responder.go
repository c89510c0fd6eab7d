// Package responder holds the client for the external response generator
// (the conversational model) and the memory-context prompt formatting. The
// generator is an external collaborator: mnemo streams its deltas through
// to the caller and accumulates the full reply for the extraction phase.
package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
)

// Generator streams a chat completion. onChunk is invoked for every text
// delta in order; Stream returns the accumulated full reply once the
// upstream stream ends. An onChunk error stops forwarding but the
// accumulated text so far is still returned.
type Generator interface {
	Stream(ctx context.Context, system, user string, onChunk func(chunk string) error) (string, error)
}

// SystemPrompt instructs the model to use memory naturally and hedge at
// low confidence.
const SystemPrompt = `You are a helpful assistant with long-term memory of this user.
A MEMORY CONTEXT section precedes each user message. Use it naturally: refer
to what you know without reciting it back or mentioning "memory" unless asked.
Each line carries a belief tier and a confidence score; hedge appropriately
when confidence is low (hypothesis or temporary_context entries), and treat
asserted facts as reliable. If memories conflict, prefer the more confident
and more recent one.`

// FormatUserPrompt builds the user prompt:
//
//	MEMORY CONTEXT:
//	<context>
//
//	USER: <text>
func FormatUserPrompt(userText string, memories []retrieval.Result, prefs []model.Preference) string {
	var b strings.Builder
	b.WriteString("MEMORY CONTEXT:\n")
	b.WriteString(FormatMemoryContext(memories, prefs))
	b.WriteString("\n\nUSER: ")
	b.WriteString(userText)
	return b.String()
}

// FormatMemoryContext renders retrieved memories and preferences into the
// context block: `[<tier>][<conf.1f>] <summary>` lines with optional
// temporal suffixes and a `  Facts: a; b` line, then Likes:/Dislikes:
// preference summaries.
func FormatMemoryContext(memories []retrieval.Result, prefs []model.Preference) string {
	var b strings.Builder

	if len(memories) == 0 && len(prefs) == 0 {
		b.WriteString("(no prior memories)")
		return b.String()
	}

	for _, r := range memories {
		m := r.Memory
		fmt.Fprintf(&b, "[%s][%.1f] %s", m.Tier, m.Confidence, m.Summary)
		switch {
		case m.ValidTo != nil:
			fmt.Fprintf(&b, " (was true %s to %s)", m.ValidFrom.Format("2006-01-02"), m.ValidTo.Format("2006-01-02"))
		case !m.ValidFrom.IsZero():
			fmt.Fprintf(&b, " (since %s)", m.ValidFrom.Format("2006-01-02"))
		}
		b.WriteByte('\n')
		if len(m.Facts) > 0 {
			fmt.Fprintf(&b, "  Facts: %s\n", strings.Join(m.Facts, "; "))
		}
	}

	var likes, dislikes []string
	for _, p := range prefs {
		switch p.Valence {
		case model.ValencePositive:
			likes = append(likes, p.Entity)
		case model.ValenceNegative:
			dislikes = append(dislikes, p.Entity)
		}
	}
	if len(likes) > 0 {
		fmt.Fprintf(&b, "Likes: %s\n", strings.Join(likes, ", "))
	}
	if len(dislikes) > 0 {
		fmt.Fprintf(&b, "Dislikes: %s\n", strings.Join(dislikes, ", "))
	}

	return strings.TrimRight(b.String(), "\n")
}
