package triggers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// requests collects the interrupt requests published on a bus.
type requests struct {
	mu      sync.Mutex
	records []*interrupt.Record
	arrived chan struct{}
	veto    error
}

func newRequests(b *bus.Bus) *requests {
	r := &requests{arrived: make(chan struct{}, 64)}
	b.Sub("test", bus.TopicInterruptRequest, func(_ context.Context, p any) error {
		rec, err := interrupt.Parse(p.(string))
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.records = append(r.records, rec)
		veto := r.veto
		r.mu.Unlock()
		r.arrived <- struct{}{}
		return veto
	})
	return r
}

func (r *requests) all() []*interrupt.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*interrupt.Record(nil), r.records...)
}

func (r *requests) await(t *testing.T) {
	t.Helper()
	select {
	case <-r.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("no interrupt request arrived")
	}
}

func mount(t *testing.T, c bus.Component) (*bus.Bus, *requests) {
	t.Helper()
	b := bus.New(nil)
	reqs := newRequests(b)
	require.NoError(t, b.Mount(context.Background(), c))
	return b, reqs
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
