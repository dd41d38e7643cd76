// Package prompt assembles the prompts used to restart generation after an
// interrupt.
package prompt

import (
	"strings"

	"github.com/steveyegge/meditator/internal/interrupt"
)

// GenericContinuation is used whenever no better prompt can be built.
const GenericContinuation = "Continue your line of thought from where you left off, taking any interruption into account."

// Unmounted replaces the recent output when no stream is available.
const Unmounted = "[unavailable: no stream mounted]"

// OutputSource exposes the live generation.
type OutputSource interface {
	Prompt() string
	RecentOutput(maxChars int) string
}

// HistorySource exposes compressed generation history.
type HistorySource interface {
	History() string
}

// KnowledgeSource exposes accumulated knowledge base content.
type KnowledgeSource interface {
	Knowledge() string
}

// Builder builds prompts from whatever sources are mounted. Every source
// is optional.
type Builder struct {
	Output      OutputSource
	History     HistorySource
	Knowledge   KnowledgeSource
	RecentChars int
}

// AfterInterrupt builds the prompt that replaces the current one once r has
// been handled.
func (b *Builder) AfterInterrupt(r *interrupt.Record) string {
	var parts []string
	if p := b.originalPrompt(); p != "" {
		parts = append(parts, "Original prompt: "+p)
	}
	if b.History != nil {
		if h := strings.TrimSpace(b.History.History()); h != "" {
			parts = append(parts, "History: "+h)
		}
	}
	parts = append(parts, "Recent: "+b.recent())
	if b.Knowledge != nil {
		if k := strings.TrimSpace(b.Knowledge.Knowledge()); k != "" {
			parts = append(parts, "Knowledge: "+k)
		}
	}
	if r != nil {
		parts = append(parts, "Interrupt caused by: "+r.Reason)
	}
	return strings.Join(parts, "\n\n")
}

// Continuation returns the generic continuation prompt, anchored to the
// original prompt when one is known.
func (b *Builder) Continuation() string {
	if p := b.originalPrompt(); p != "" {
		return GenericContinuation + "\n\nOriginal prompt: " + p
	}
	return GenericContinuation
}

func (b *Builder) originalPrompt() string {
	if b == nil || b.Output == nil {
		return ""
	}
	return strings.TrimSpace(b.Output.Prompt())
}

func (b *Builder) recent() string {
	if b.Output == nil {
		return Unmounted
	}
	return b.Output.RecentOutput(b.RecentChars)
}
