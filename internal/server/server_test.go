package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	evs    []*events.Event
	filter events.EventFilter
}

func (m *memStore) StoreEvent(ctx context.Context, ev *events.Event) error {
	m.evs = append(m.evs, ev)
	return nil
}

func (m *memStore) GetEvents(ctx context.Context, f events.EventFilter) ([]*events.Event, error) {
	m.filter = f
	return m.evs, nil
}

func (m *memStore) GetRecentEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	return m.evs, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "meditator_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	store := &memStore{}
	store.evs = append(store.evs, events.NewSimpleEvent(events.EventTypePromptStarted, "app", events.SeverityInfo, "go"))

	s := New(Config{
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Gatherer:  reg,
		State:     func() map[string]interface{} { return map[string]interface{}{"state": "STREAMING"} },
		Events:    store,
	})
	h := s.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, h, "/state")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"state":"STREAMING"}`, rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meditator_test_total 1")

	assert.Equal(t, http.StatusTeapot, get(t, h, "/ws").Code)

	rec = get(t, h, "/events?component=app&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, events.EventTypePromptStarted, got[0].Type)
	assert.Equal(t, "app", store.filter.Component)
	assert.Equal(t, 5, store.filter.Limit)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/events?limit=zero").Code)
}

func TestDisabledRoutes(t *testing.T) {
	h := New(Config{}).Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	for _, path := range []string{"/ws", "/metrics", "/state", "/events"} {
		assert.Equal(t, http.StatusNotFound, get(t, h, path).Code, path)
	}
}

func TestEmptyEventsIsArray(t *testing.T) {
	h := New(Config{Events: &memStore{}}).Handler()
	assert.Equal(t, "[]", strings.TrimSpace(get(t, h, "/events").Body.String()))
}

func TestServeShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Config{}).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "ok")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunBadAddr(t *testing.T) {
	err := New(Config{Addr: "not-an-addr"}).Run(context.Background())
	assert.Error(t, err)
}
