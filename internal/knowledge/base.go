// Package knowledge keeps the knowledge base fed by pipeline update-kb
// signals. Each update is persisted as a new section of the knowledge
// generator's state chain.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/statestore"
	"go.uber.org/zap"
)

// Generator is the state store generator used for the knowledge base.
const Generator = "knowledge-base"

const (
	title     = "# Knowledge Base"
	stampSep  = " @ "
	stampTime = "2006-01-02T15:04:05.000Z07:00"
)

// Config configures a Base.
type Config struct {
	Store             *statestore.Store
	FullStateInterval int
	Logger            *zap.Logger
	Now               func() time.Time
}

// Base is the in-memory knowledge base backed by the state store.
type Base struct {
	store    *statestore.Store
	promoter *statestore.Promoter
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	topics map[string]string
}

// New creates a knowledge base. Store may be nil for an in-memory base.
func New(cfg *Config) *Base {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Base{
		store:    cfg.Store,
		promoter: statestore.NewPromoter(cfg.FullStateInterval),
		logger:   logger.Named("knowledge"),
		now:      now,
		topics:   make(map[string]string),
	}
}

// Name implements bus.Component.
func (b *Base) Name() string { return "knowledge" }

// OnConnect loads persisted knowledge and subscribes to update-kb.
func (b *Base) OnConnect(_ context.Context, bs *bus.Bus) error {
	if err := b.Load(); err != nil {
		return err
	}
	bs.Sub(b.Name(), bus.TopicUpdateKB, func(_ context.Context, p any) error {
		switch u := p.(type) {
		case bus.KBUpdate:
			return b.Apply([]bus.KBUpdate{u})
		case []bus.KBUpdate:
			return b.Apply(u)
		default:
			return fmt.Errorf("unsupported update-kb payload %T", p)
		}
	})
	return nil
}

// Apply records updates. A later update to a topic replaces the earlier
// content in memory; on disk each update becomes its own section.
func (b *Base) Apply(updates []bus.KBUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stamp := b.now().UTC().Format(stampTime)
	var delta []statestore.Section
	for _, u := range updates {
		topic := strings.TrimSpace(u.Topic)
		if topic == "" {
			continue
		}
		b.topics[topic] = u.Content
		delta = append(delta, statestore.Section{Header: "## " + topic + stampSep + stamp, Body: statestore.EscapeBody(u.Content)})
	}
	if b.store == nil || len(delta) == 0 {
		return nil
	}

	full := b.promoter.Next(false)
	content := statestore.RenderSections("", delta)
	if full {
		content = b.fullLocked(stamp)
	}
	count := b.promoter.Count()
	_, err := b.store.Update(content, full, func(m *statestore.Metadata) {
		m.Set(statestore.MetaPartialCount, fmt.Sprint(count))
		m.Set("topics", fmt.Sprint(len(b.topics)))
	})
	if err != nil {
		return fmt.Errorf("failed to persist knowledge update: %w", err)
	}
	b.logger.Debug("knowledge updated", zap.Int("updates", len(delta)), zap.Bool("full", full))
	return nil
}

func (b *Base) fullLocked(stamp string) string {
	secs := make([]statestore.Section, 0, len(b.topics))
	for _, topic := range b.sortedTopicsLocked() {
		secs = append(secs, statestore.Section{Header: "## " + topic + stampSep + stamp, Body: statestore.EscapeBody(b.topics[topic])})
	}
	return statestore.RenderSections(title, secs)
}

// Load rebuilds the in-memory topics from the store.
func (b *Base) Load() error {
	if b.store == nil {
		return nil
	}
	meta, err := b.store.LoadMeta()
	if err != nil {
		return err
	}
	b.promoter.Restore(meta.Int(statestore.MetaPartialCount))

	content, err := b.store.LoadState()
	if err != nil {
		return err
	}
	_, secs := statestore.ParseSections(content)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range secs {
		topic, ok := topicOf(s.Header)
		if !ok {
			continue
		}
		b.topics[topic] = statestore.UnescapeBody(s.Body)
	}
	return nil
}

func topicOf(header string) (string, bool) {
	if !strings.HasPrefix(header, "## ") {
		return "", false
	}
	name := strings.TrimPrefix(header, "## ")
	if i := strings.LastIndex(name, stampSep); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	return name, name != ""
}

// Knowledge renders the base as one line per topic.
func (b *Base) Knowledge() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	for _, topic := range b.sortedTopicsLocked() {
		lines = append(lines, "- "+topic+": "+strings.ReplaceAll(b.topics[topic], "\n", " "))
	}
	return strings.Join(lines, "\n")
}

// Topic returns the content stored for topic.
func (b *Base) Topic(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.topics[topic]
	return v, ok
}

func (b *Base) sortedTopicsLocked() []string {
	names := make([]string, 0, len(b.topics))
	for k := range b.topics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
