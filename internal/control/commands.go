package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/interrupt"
)

// DefaultInterruptReason is used for an interrupt command without a reason.
const DefaultInterruptReason = "Interrupt requested from the control socket"

// StatusFunc reports the status of the running system.
type StatusFunc func() map[string]interface{}

// BusHandler translates commands into bus signals. Interrupts and input go
// through the pipeline as interrupt requests; resume, terminate and prompt
// drive the generation layer directly.
func BusHandler(b *bus.Bus, status StatusFunc) Handler {
	return func(ctx context.Context, cmd Command) (map[string]interface{}, error) {
		switch cmd.Type {
		case CmdInterrupt:
			reason := strings.TrimSpace(cmd.Reason)
			if reason == "" {
				reason = DefaultInterruptReason
			}
			rec := interrupt.NewExternal(interrupt.TypeUserCommand, reason, interrupt.Context{}, map[string]any{"channel": "control"})
			return accepted(rec, b.Pub(ctx, bus.TopicInterruptRequest, rec.Markdown()))
		case CmdInput:
			msg := strings.TrimSpace(cmd.Text)
			if msg == "" {
				return nil, fmt.Errorf("input requires a message")
			}
			rec := interrupt.NewExternal(interrupt.TypeUserInput, "User input: "+msg, interrupt.Context{}, map[string]any{"message": msg, "channel": "control"})
			return accepted(rec, b.Pub(ctx, bus.TopicInterruptRequest, rec.Markdown()))
		case CmdResume:
			return nil, b.Pub(ctx, bus.TopicResume, nil)
		case CmdTerminate:
			return nil, b.Pub(ctx, bus.TopicTerminate, nil)
		case CmdPrompt:
			if strings.TrimSpace(cmd.Text) == "" {
				return nil, fmt.Errorf("prompt requires text")
			}
			return nil, b.Pub(ctx, bus.TopicNewPrompt, cmd.Text)
		case CmdStatus:
			if status == nil {
				return map[string]interface{}{}, nil
			}
			return status(), nil
		default:
			return nil, fmt.Errorf("unknown command %q", cmd.Type)
		}
	}
}

func accepted(rec *interrupt.Record, err error) (map[string]interface{}, error) {
	if err != nil {
		return nil, fmt.Errorf("interrupt rejected: %w", err)
	}
	return map[string]interface{}{"type": rec.Type, "reason": rec.Reason}, nil
}
