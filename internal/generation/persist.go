package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/meditator/internal/statestore"
	"go.uber.org/zap"
)

// Generator is the state store generator name used by the controller.
const Generator = "generation"

const (
	headerPrompt = "## Prompt"
	headerState  = "## State"
	headerRecent = "## Recent Output"

	transitionOutputChars = 200
)

func (c *Controller) persistPrompt(prompt string) error {
	if c.store == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.promoter.Next(true)
	content := c.fullContent(prompt, StateStarting)
	_, err := c.store.Update(content, true, func(m *statestore.Metadata) {
		m.Set(statestore.MetaPartialCount, "0")
		m.Set("model", c.model)
	})
	if err != nil {
		c.logger.Error("failed to persist prompt", zap.Error(err))
		return fmt.Errorf("failed to persist prompt: %w", err)
	}
	c.metrics.Save(Generator, true)
	return nil
}

func (c *Controller) persistTransition(from, to State) error {
	if c.store == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	full := c.promoter.Next(false)
	var content string
	if full {
		content = c.fullContent(c.Prompt(), to)
	} else {
		ts := time.Now().UTC().Format(time.RFC3339Nano)
		content = fmt.Sprintf("## Transition %s %s -> %s\n\n%s", ts, from, to,
			statestore.EscapeBody(c.RecentOutput(transitionOutputChars)))
	}
	count := c.promoter.Count()
	_, err := c.store.Update(content, full, func(m *statestore.Metadata) {
		m.Set(statestore.MetaPartialCount, fmt.Sprint(count))
		m.Set("lastState", string(to))
	})
	if err != nil {
		c.logger.Error("failed to persist transition", zap.Error(err),
			zap.Stringer("from", from), zap.Stringer("to", to))
		return fmt.Errorf("failed to persist transition: %w", err)
	}
	c.metrics.Save(Generator, full)
	return nil
}

func (c *Controller) fullContent(prompt string, state State) string {
	var b strings.Builder
	b.WriteString("# Generation State\n\n")
	b.WriteString(headerPrompt + "\n" + statestore.EscapeBody(prompt) + "\n\n")
	b.WriteString(headerState + "\n" + string(state) + "\n\n")
	b.WriteString(headerRecent + "\n" + statestore.EscapeBody(c.RecentOutput(0)))
	return b.String()
}

// Restore returns the prompt recorded by the last full checkpoint, or ""
// when nothing was persisted. It does not start a stream.
func (c *Controller) Restore() (string, error) {
	if c.store == nil {
		return "", nil
	}
	meta, err := c.store.LoadMeta()
	if err != nil {
		return "", err
	}
	c.promoter.Restore(meta.Int(statestore.MetaPartialCount))

	content, err := c.store.LoadState()
	if err != nil {
		return "", err
	}
	prompt, _ := statestore.FindSection(content, headerPrompt)
	return statestore.UnescapeBody(prompt), nil
}
