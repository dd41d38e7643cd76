// Package bus connects components through an explicit topic subscription
// table. Components subscribe to topics when they are mounted and publish
// signals to each other without holding direct references.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Topic names a signal.
type Topic string

const (
	// TopicInterruptRequest carries a markdown record or a raw reason
	// string from any trigger to the pipeline.
	TopicInterruptRequest Topic = "interrupt-request"
	// TopicInterrupt is an approved interrupt for the generation layer.
	TopicInterrupt Topic = "interrupt"
	// TopicResume tells the generation layer to continue the stream.
	TopicResume Topic = "resume"
	// TopicTerminate tells the generation layer to drop the stream.
	TopicTerminate Topic = "terminate"
	// TopicNewPrompt restarts generation with a new prompt.
	TopicNewPrompt Topic = "new-prompt"
	// TopicUpdateKB carries knowledge base updates.
	TopicUpdateKB Topic = "update-kb"
	// TopicChunk carries each text delta emitted by the stream.
	TopicChunk Topic = "chunk"
	// TopicState carries generation state transitions.
	TopicState Topic = "state"
	// TopicHistory carries the compressed generation history.
	TopicHistory Topic = "history"
)

// Handler receives a published payload. Returning an error vetoes or
// reports failure to the publisher; other handlers still run.
type Handler func(ctx context.Context, payload any) error

// Component is anything that can be mounted on the bus.
type Component interface {
	// Name identifies the component in logs.
	Name() string
	// OnConnect registers the component's subscriptions.
	OnConnect(ctx context.Context, b *Bus) error
}

type subscription struct {
	owner   string
	handler Handler
}

// Bus is a synchronous publish/subscribe table. Handlers run in the
// publisher's goroutine in subscription order. It is safe for concurrent
// use.
type Bus struct {
	logger *zap.Logger

	mu      sync.RWMutex
	subs    map[Topic][]subscription
	mounted []string
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger.Named("bus"),
		subs:   make(map[Topic][]subscription),
	}
}

// Mount connects components in order.
func (b *Bus) Mount(ctx context.Context, components ...Component) error {
	for _, c := range components {
		if err := c.OnConnect(ctx, b); err != nil {
			return fmt.Errorf("failed to connect %s: %w", c.Name(), err)
		}
		b.mu.Lock()
		b.mounted = append(b.mounted, c.Name())
		b.mu.Unlock()
		b.logger.Debug("component connected", zap.String("component", c.Name()))
	}
	return nil
}

// Mounted returns the names of connected components in mount order.
func (b *Bus) Mounted() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.mounted...)
}

// Sub registers a handler for topic on behalf of owner.
func (b *Bus) Sub(owner string, topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{owner: owner, handler: h})
}

// Pub delivers payload to every handler of topic and joins their errors.
// A topic without subscribers is not an error.
func (b *Bus) Pub(ctx context.Context, topic Topic, payload any) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := b.deliver(ctx, s, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, s subscription, topic Topic, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("topic", string(topic)),
				zap.String("owner", s.owner),
				zap.Any("panic", r))
			err = fmt.Errorf("%s handler for %s panicked: %v", s.owner, topic, r)
		}
	}()
	return s.handler(ctx, payload)
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
