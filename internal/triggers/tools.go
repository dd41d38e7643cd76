package triggers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/interrupt"
	"github.com/steveyegge/meditator/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultToolWindow is how much recent output is scanned for tool calls.
	DefaultToolWindow = 1000

	// DefaultToolsPrefix opens the tools prompt.
	DefaultToolsPrefix = "You have access to the following tools:"
)

// toolCallPattern matches a call line followed by its arguments. The
// arguments end at the first blank line, so a call is only detected once it
// is complete.
var toolCallPattern = regexp.MustCompile(`(?m)^(?:Use|Call|Execute|Invoke|Run) tool: ([a-zA-Z0-9_-]+)[ \t]*\n((?s:.*?))\n\n`)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrToolNotFound is reported for calls to unregistered tools.
var ErrToolNotFound = errors.New("tool not found")

// Tool is something the model can invoke from its output. Execute receives
// the raw argument text.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args string) (string, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args string) (string, error)
}

func (t ToolFunc) Name() string        { return t.ToolName }
func (t ToolFunc) Description() string { return t.Desc }

func (t ToolFunc) Execute(ctx context.Context, args string) (string, error) {
	return t.Fn(ctx, args)
}

// ToolsConfig configures a Tools detector.
type ToolsConfig struct {
	Prefix string
	// Window is the number of recent characters scanned (default: 1000).
	Window int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  *events.Recorder
}

// Tools detects tool calls in the stream, runs the tool in the background,
// and raises ToolCall and ToolResult interrupts.
type Tools struct {
	emitter
	prefix string
	window int

	mu    sync.Mutex
	tools map[string]Tool
	buf   []rune

	running sync.WaitGroup
}

// NewTools creates an empty tool registry.
func NewTools(cfg *ToolsConfig) *Tools {
	t := &Tools{
		emitter: emitter{
			name:    "tools",
			logger:  orNop(cfg.Logger).Named("tools"),
			metrics: cfg.Metrics,
			events:  cfg.Events,
		},
		prefix: orDefault(cfg.Prefix, DefaultToolsPrefix),
		window: cfg.Window,
		tools:  make(map[string]Tool),
	}
	if t.window <= 0 {
		t.window = DefaultToolWindow
	}
	return t
}

// Name implements bus.Component.
func (t *Tools) Name() string { return t.name }

// OnConnect subscribes to stream chunks.
func (t *Tools) OnConnect(_ context.Context, b *bus.Bus) error {
	t.bus = b
	b.Sub(t.name, bus.TopicChunk, func(ctx context.Context, p any) error {
		if c, ok := p.(bus.Chunk); ok {
			t.Observe(ctx, c.Delta)
		}
		return nil
	})
	return nil
}

// Register adds a tool.
func (t *Tools) Register(tool Tool) error {
	name := tool.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	if tool.Description() == "" {
		return fmt.Errorf("tool %s: description is required", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	t.tools[name] = tool
	t.logger.Debug("registered tool", zap.String("tool", name))
	return nil
}

// Prompt describes the registered tools and how to call them. It is empty
// when no tool is registered.
func (t *Tools) Prompt() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tools) == 0 {
		return ""
	}
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(t.prefix + "\n\n")
	for _, name := range names {
		fmt.Fprintf(&b, "Tool: %s\nDescription: %s\n\n", name, t.tools[name].Description())
	}
	b.WriteString("To use a tool, output text in the following format:\n")
	b.WriteString("Use tool: [tool name]\n")
	b.WriteString("[any text here that the tool will process]\n\n")
	b.WriteString("The tool will be executed asynchronously, and the result will be provided back to you.\n")
	return b.String()
}

// Observe appends a delta to the scan window and handles a completed call.
func (t *Tools) Observe(ctx context.Context, delta string) {
	t.mu.Lock()
	t.buf = append(t.buf, []rune(delta)...)
	if len(t.buf) > t.window {
		t.buf = t.buf[len(t.buf)-t.window:]
	}
	m := toolCallPattern.FindStringSubmatch(string(t.buf))
	if m == nil {
		t.mu.Unlock()
		return
	}
	t.buf = t.buf[:0]
	name, args := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	tool := t.tools[name]
	t.mu.Unlock()

	t.handle(context.WithoutCancel(ctx), name, args, tool)
}

func (t *Tools) handle(ctx context.Context, name, args string, tool Tool) {
	t.logger.Debug("tool call detected", zap.String("tool", name))
	if tool == nil {
		t.logger.Warn("tool not found", zap.String("tool", name))
		t.result(ctx, name, "", fmt.Errorf("%w: %s", ErrToolNotFound, name))
		return
	}
	t.raise(ctx, interrupt.New(interrupt.SourceTool, interrupt.TypeToolCall, "Tool call detected: "+name,
		interrupt.Context{}, map[string]any{"tool": name, "args": oneLine(args)}))

	t.running.Add(1)
	go func() {
		defer t.running.Done()
		out, err := tool.Execute(ctx, args)
		t.result(ctx, name, out, err)
	}()
}

func (t *Tools) result(ctx context.Context, name, out string, err error) {
	data := map[string]any{"tool": name}
	reason := "Tool execution completed: " + name
	severity := events.SeverityInfo
	if err != nil {
		reason = "Tool execution failed: " + name
		data["error"] = oneLine(err.Error())
		severity = events.SeverityWarning
		t.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
	} else {
		if out == "" {
			out = "No result provided"
		}
		data["result"] = oneLine(out)
	}
	t.events.Record(ctx, events.NewEvent(events.EventTypeToolExecuted, t.name, severity, reason, data))
	t.raise(ctx, interrupt.New(interrupt.SourceTool, interrupt.TypeToolResult, reason, interrupt.Context{}, data))
}

// Wait blocks until running tools finish.
func (t *Tools) Wait() { t.running.Wait() }
