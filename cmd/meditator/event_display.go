package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/steveyegge/meditator/internal/events"
)

// displayEvent prints one event in a two-line format: the headline, then a
// line of key metadata.
func displayEvent(w io.Writer, event *events.Event) {
	emoji := getEventEmoji(event)
	severityColor := getSeverityColor(event.Severity)
	timestamp := event.Timestamp.Format("15:04:05")

	component := color.New(color.FgGreen).Sprint(event.Component)
	eventType := color.New(color.FgMagenta).Sprint(event.Type)

	maxMessageLen := 60 - len(event.Component) - len(string(event.Type))
	message := truncateString(event.Message, maxMessageLen)

	fmt.Fprintf(w, "%s [%s] %s %s: %s\n", emoji, timestamp, component, eventType, severityColor.Sprint(message))

	if metadata := extractEventMetadata(event); metadata != "" {
		gray := color.New(color.FgHiBlack)
		fmt.Fprintf(w, "  %s\n", gray.Sprint(metadata))
	} else {
		fmt.Fprintln(w)
	}
}

func getEventEmoji(event *events.Event) string {
	switch event.Type {
	case events.EventTypeInterruptRejected:
		return "🚫"
	case events.EventTypeInterruptQueued:
		return "⏳"
	case events.EventTypeInterruptProcessed:
		return "🧠"
	case events.EventTypePipelineFallback:
		return "🩹"
	case events.EventTypeStateChange:
		if event.Severity == events.SeverityError {
			return "❌"
		}
		return "🔄"
	case events.EventTypePromptStarted:
		return "🚀"
	case events.EventTypeTriggerFired:
		return "⚡"
	case events.EventTypeToolExecuted:
		return "🔧"
	case events.EventTypeClientConnected:
		return "🔌"
	case events.EventTypeClientDisconnected:
		return "👋"
	}

	switch event.Severity {
	case events.SeverityInfo:
		return "ℹ️"
	case events.SeverityWarning:
		return "⚠️"
	case events.SeverityError:
		return "❌"
	default:
		return "•"
	}
}

func getSeverityColor(severity events.EventSeverity) *color.Color {
	switch severity {
	case events.SeverityInfo:
		return color.New(color.FgCyan)
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	case events.SeverityError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

// extractEventMetadata picks the few fields worth showing for each event
// type, pipe separated and truncated to fit a narrow terminal.
func extractEventMetadata(event *events.Event) string {
	var fields []string

	switch event.Type {
	case events.EventTypeInterruptProcessed, events.EventTypePipelineFallback:
		// strategy | priority | source/type | duration
		fields = append(fields,
			getStringField(event.Data, "strategy", "unknown"),
			getStringField(event.Data, "priority", "-"),
			getStringField(event.Data, "source", "?")+"/"+getStringField(event.Data, "type", "?"),
			formatDurationMs(getIntField(event.Data, "duration_ms", 0)))
		if getBoolField(event.Data, "new_prompt", false) {
			fields = append(fields, "new prompt")
		}
		if n := getIntField(event.Data, "kb_updates", 0); n > 0 {
			fields = append(fields, fmt.Sprintf("%d kb", n))
		}
		if e := getStringField(event.Data, "error", ""); e != "" {
			fields = append(fields, truncateString(e, 30))
		}

	case events.EventTypeInterruptRejected, events.EventTypeInterruptQueued:
		fields = append(fields, getStringField(event.Data, "source", "?")+"/"+getStringField(event.Data, "type", "?"))
		if depth := getIntField(event.Data, "queue_depth", 0); depth > 0 {
			fields = append(fields, fmt.Sprintf("%d queued", depth))
		}

	case events.EventTypeStateChange:
		fields = append(fields, getStringField(event.Data, "from", "?")+" → "+getStringField(event.Data, "to", "?"))

	case events.EventTypeTriggerFired:
		fields = append(fields, getStringField(event.Data, "type", "?"), getStringField(event.Data, "source", "?"))

	case events.EventTypeToolExecuted:
		status := "✓"
		if getStringField(event.Data, "error", "") != "" {
			status = "✗"
		}
		fields = append(fields, getStringField(event.Data, "tool", "unknown"), status)
		if e := getStringField(event.Data, "error", ""); e != "" {
			fields = append(fields, truncateString(e, 40))
		}

	case events.EventTypeClientConnected, events.EventTypeClientDisconnected:
		fields = append(fields, getStringField(event.Data, "client_id", "?"))

	default:
		if err := getStringField(event.Data, "error", ""); err != "" {
			fields = append(fields, truncateString(err, 50))
		}
		if d := getIntField(event.Data, "duration_ms", 0); d > 0 {
			fields = append(fields, formatDurationMs(d))
		}
	}

	if len(fields) == 0 {
		return ""
	}
	return truncateString(strings.Join(fields, " | "), 70)
}

func getStringField(data map[string]interface{}, key, defaultValue string) string {
	if val, ok := data[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getIntField(data map[string]interface{}, key string, defaultValue int) int {
	switch val := data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return defaultValue
}

func getBoolField(data map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := data[key].(bool); ok {
		return val
	}
	return defaultValue
}

func formatDurationMs(ms int) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		return fmt.Sprintf("%dm%ds", ms/60000, (ms%60000)/1000)
	}
}

// truncateString shortens s to maxLen runes, ending with "...".
func truncateString(s string, maxLen int) string {
	if maxLen < 4 {
		maxLen = 4
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
