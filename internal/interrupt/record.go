// Package interrupt defines the interrupt record raised by triggers and
// consumed by the interrupt pipeline, along with its markdown wire format.
package interrupt

import (
	"errors"
	"fmt"
	"time"
)

// Well-known sources. Source is free-form; these are the ones the built-in
// triggers use.
const (
	SourceInternal        = "Internal"
	SourceExternal        = "External"
	SourceTool            = "Tool"
	SourceWebSocketClient = "WebSocketClient"
)

// Well-known types. TypeRaw marks records built from a bare reason string.
const (
	TypeTimeBased    = "Time-Based"
	TypeTokenBased   = "Token-Based"
	TypeTokenMonitor = "TokenMonitor"
	TypeToolCall     = "ToolCall"
	TypeToolResult   = "ToolResult"
	TypeUserInput    = "UserInput"
	TypeUserCommand  = "UserCommand"
	TypeUrgent       = "Urgent"
	TypeRaw          = "Raw"
)

// DefaultStreamState is used when a trigger does not know the stream state.
const DefaultStreamState = "unknown"

// TimeLayout is the ISO-8601 layout used for DateTime.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrInvalid is returned by Validate for records missing source or type.
var ErrInvalid = errors.New("invalid interrupt record")

// Context is the generation context captured when the interrupt was raised.
type Context struct {
	LastOutput  string
	StreamState string
}

// Record is an interrupt raised by a trigger. Records are treated as
// immutable once constructed; use WithData to derive an annotated copy.
type Record struct {
	DateTime time.Time
	Source   string
	Type     string
	Reason   string
	Context  Context
	// AdditionalData maps keys to scalars or to flat map[string]string /
	// map[string]any objects.
	AdditionalData map[string]any
}

// New builds a record stamped with the current time.
func New(source, typ, reason string, ctx Context, data map[string]any) *Record {
	return NewAt(time.Now(), source, typ, reason, ctx, data)
}

// NewAt builds a record stamped with t, truncated to the millisecond
// precision of the wire format.
func NewAt(t time.Time, source, typ, reason string, ctx Context, data map[string]any) *Record {
	if ctx.StreamState == "" {
		ctx.StreamState = DefaultStreamState
	}
	return &Record{
		DateTime:       t.UTC().Truncate(time.Millisecond),
		Source:         source,
		Type:           typ,
		Reason:         reason,
		Context:        ctx,
		AdditionalData: copyData(data),
	}
}

// NewInternal builds a record raised by an internal generator.
func NewInternal(typ, reason string, ctx Context, data map[string]any) *Record {
	return New(SourceInternal, typ, reason, ctx, data)
}

// NewExternal builds a record raised from outside the process.
func NewExternal(typ, reason string, ctx Context, data map[string]any) *Record {
	return New(SourceExternal, typ, reason, ctx, data)
}

// NewTimeBased builds a timer interrupt.
func NewTimeBased(reason string, ctx Context, data map[string]any) *Record {
	return New(SourceInternal, TypeTimeBased, reason, ctx, data)
}

// NewTokenBased builds a content interrupt.
func NewTokenBased(reason string, ctx Context, data map[string]any) *Record {
	return New(SourceInternal, TypeTokenBased, reason, ctx, data)
}

// FromReason wraps a bare reason string.
func FromReason(reason string) *Record {
	return New(SourceExternal, TypeRaw, reason, Context{}, nil)
}

// Validate checks the fields required to enter the pipeline.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalid)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalid)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalid)
	}
	return nil
}

// WithData returns a copy of r with key set in AdditionalData.
func (r *Record) WithData(key string, value any) *Record {
	out := *r
	out.AdditionalData = copyData(r.AdditionalData)
	if out.AdditionalData == nil {
		out.AdditionalData = make(map[string]any)
	}
	out.AdditionalData[key] = value
	return &out
}

// Data returns an AdditionalData value as a string, or "" when absent.
func (r *Record) Data(key string) string {
	v, ok := r.AdditionalData[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (r *Record) String() string {
	return fmt.Sprintf("[%s/%s] %s", r.Source, r.Type, r.Reason)
}

func copyData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
