// Package ws streams generated thought to websocket clients and turns
// their input into interrupt requests.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/metrics"
	"go.uber.org/zap"
)

// Message types.
const (
	TypeInput           = "input"
	TypeStatus          = "status"
	TypeThoughtFragment = "thought_fragment"
)

const (
	// DefaultSendBuffer is the number of outgoing messages queued per
	// client before broadcasts to it are dropped.
	DefaultSendBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// maxMessageSize caps a single client message.
	maxMessageSize = 64 * 1024
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Config configures a Hub.
type Config struct {
	SendBuffer int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Events     *events.Recorder
	Now        func() time.Time
}

// Hub tracks connected clients. It implements http.Handler for the
// websocket endpoint and bus.Component for the stream signals.
type Hub struct {
	bus        *bus.Bus
	logger     *zap.Logger
	metrics    *metrics.Metrics
	events     *events.Recorder
	now        func() time.Time
	sendBuffer int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	// pending holds plain text input until a newline arrives.
	pending string
	once    sync.Once
}

// NewHub creates a Hub with no clients.
func NewHub(cfg *Config) *Hub {
	h := &Hub{
		logger:     zap.NewNop(),
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		now:        cfg.Now,
		sendBuffer: cfg.SendBuffer,
		clients:    make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if cfg.Logger != nil {
		h.logger = cfg.Logger.Named("websocket")
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = DefaultSendBuffer
	}
	return h
}

// Name implements bus.Component.
func (h *Hub) Name() string { return "websocket" }

// OnConnect subscribes to stream chunks and state changes.
func (h *Hub) OnConnect(_ context.Context, b *bus.Bus) error {
	h.bus = b
	b.Sub(h.Name(), bus.TopicChunk, func(_ context.Context, p any) error {
		delta, ok := p.(string)
		if c, isChunk := p.(bus.Chunk); isChunk {
			delta, ok = c.Delta, true
		}
		if ok {
			h.Broadcast(Message{Type: TypeThoughtFragment, Data: map[string]any{"content": delta, "complete": false}})
		}
		return nil
	})
	b.Sub(h.Name(), bus.TopicState, func(_ context.Context, p any) error {
		if sc, ok := p.(bus.StateChange); ok {
			h.Broadcast(Message{Type: TypeStatus, Data: map[string]any{
				"state":         sc.State,
				"previousState": sc.PreviousState,
				"timestamp":     sc.Timestamp.UTC().Format(time.RFC3339Nano),
			}})
		}
		return nil
	})
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. Clients whose queue is full miss
// the message; the stream never waits for a slow client.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("dropping message for slow client", zap.String("client", c.id), zap.String("type", msg.Type))
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{id: h.clientID(), conn: conn, send: make(chan Message, h.sendBuffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer h.unregister(c)

	h.sendTo(c, Message{Type: TypeStatus, Data: map[string]any{
		"status":   "connected",
		"message":  "Connected to Meditator stream",
		"clientId": c.id,
	}})

	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	h.readPump(r.Context(), c)
}

func (h *Hub) clientID() string {
	return fmt.Sprintf("client_%d_%s", h.now().UnixMilli(), uuid.NewString()[:8])
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.Clients(n)
	h.logger.Info("client connected", zap.String("client", c.id))
	h.events.Record(context.Background(), events.NewEvent(events.EventTypeClientConnected, h.Name(), events.SeverityInfo,
		"client connected", map[string]interface{}{"client_id": c.id}))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	c.stop()
	if !ok {
		return
	}

	h.metrics.Clients(n)
	h.logger.Info("client disconnected", zap.String("client", c.id))
	h.events.Record(context.Background(), events.NewEvent(events.EventTypeClientDisconnected, h.Name(), events.SeverityInfo,
		"client disconnected", map[string]interface{}{"client_id": c.id}))
}

// stop makes the write pump exit, which closes the connection. Callers
// remove c from the hub first so no broadcast sends on the closed queue.
func (c *client) stop() {
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("client read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		for _, input := range c.inputs(data) {
			h.handleInput(ctx, c, input)
		}
	}
}

// inputs extracts completed inputs from a frame: a JSON input message, or
// plain text lines once a newline arrives.
func (c *client) inputs(data []byte) []string {
	var msg struct {
		Type string `json:"type"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if json.Unmarshal(data, &msg) == nil && msg.Type == TypeInput && msg.Data.Message != "" {
		return []string{msg.Data.Message}
	}

	c.pending += string(data)
	var out []string
	for {
		line, rest, found := strings.Cut(c.pending, "\n")
		if !found {
			return out
		}
		c.pending = rest
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
}

func (h *Hub) handleInput(ctx context.Context, c *client, input string) {
	h.logger.Debug("input received", zap.String("client", c.id), zap.Int("length", len(input)))
	h.sendTo(c, Message{Type: TypeStatus, Data: map[string]any{"status": "input_received", "message": "Input received"}})

	rec := interrupt.New(interrupt.SourceWebSocketClient, interrupt.TypeUserInput, input, interrupt.Context{},
		map[string]any{"clientId": c.id, "timestamp": h.now().UTC().Format(time.RFC3339Nano)})
	if h.bus == nil {
		return
	}
	if err := h.bus.Pub(ctx, bus.TopicInterruptRequest, rec.Markdown()); err != nil {
		h.sendTo(c, Message{Type: TypeStatus, Data: map[string]any{"status": "input_rejected", "message": err.Error()}})
	}
}

// sendTo queues msg for c unless c is gone or its queue is full.
func (h *Hub) sendTo(c *client, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("client write failed", zap.String("client", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and waits for their writers to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	h.metrics.Clients(0)
	h.wg.Wait()
}
