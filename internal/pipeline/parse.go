package pipeline

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/meditator/internal/bus"
	"github.com/steveyegge/meditator/internal/interrupt"
)

const (
	keyPriority       = "PRIORITY"
	keyRelevance      = "RELEVANCE"
	keyNeedsNewPrompt = "NEEDS_NEW_PROMPT"
	keyNeedsKBUpdate  = "NEEDS_KB_UPDATE"
	keyShouldResume   = "SHOULD_RESUME"
	keyContext        = "CONTEXT"

	keyStrategy  = "STRATEGY"
	keyNewPrompt = "NEW_PROMPT"
	keyKBUpdate  = "KB_UPDATE"
)

var knownKeys = map[string]bool{
	keyPriority: true, keyRelevance: true, keyNeedsNewPrompt: true,
	keyNeedsKBUpdate: true, keyShouldResume: true, keyContext: true,
	keyStrategy: true, keyNewPrompt: true, keyKBUpdate: true,
}

func analysisPrompt(rec *interrupt.Record, recent string) string {
	return fmt.Sprintf(`An interrupt arrived while you were generating text.

%s

Recent output:
<recent>%s</recent>

Assess the interrupt. Reply with exactly these lines and nothing else:
PRIORITY: high, medium or low
RELEVANCE: a number between 0 and 1
NEEDS_NEW_PROMPT: yes or no
NEEDS_KB_UPDATE: yes or no
SHOULD_RESUME: yes or no
CONTEXT: one sentence on how the interrupt relates to the output`, rec.Markdown(), recent)
}

func planningPrompt(rec *interrupt.Record, a Analysis, recent string) string {
	return fmt.Sprintf(`Decide how generation should continue after this interrupt.

%s

Assessment: priority %s, relevance %.2f, needs new prompt %s, needs knowledge update %s, should resume %s.

Recent output:
<recent>%s</recent>

Reply with these lines:
STRATEGY: RESUME or TERMINATE
NEW_PROMPT: the prompt to restart generation with, or none (may span several lines)
KB_UPDATE: topic: content (repeat the line for each update, omit when there is nothing to record)`,
		rec.Markdown(), a.Priority, a.Relevance,
		yesNo(a.NeedsNewPrompt), yesNo(a.NeedsKnowledgeBaseUpdate), yesNo(a.ShouldResume), recent)
}

// field is one KEY: value line of a model reply. Continuation lines that
// do not start a new key are appended to the previous value.
type field struct {
	key   string
	value string
}

func scanFields(reply string) []field {
	var fields []field
	sc := bufio.NewScanner(strings.NewReader(reply))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if key, value, ok := splitKey(line); ok {
			fields = append(fields, field{key: key, value: value})
			continue
		}
		if len(fields) > 0 {
			last := &fields[len(fields)-1]
			last.value += "\n" + line
		}
	}
	for i := range fields {
		fields[i].value = strings.TrimSpace(fields[i].value)
	}
	return fields
}

// splitKey recognizes "KEY: value", tolerating list markers and bold
// markup around the key.
func splitKey(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimLeft(trimmed, "-* ")
	k, v, ok := strings.Cut(trimmed, ":")
	if !ok {
		return "", "", false
	}
	k = strings.ToUpper(strings.Trim(strings.TrimSpace(k), "*"))
	k = strings.ReplaceAll(k, " ", "_")
	if !knownKeys[k] {
		return "", "", false
	}
	v = strings.TrimPrefix(strings.TrimSpace(v), "**")
	return k, v, true
}

// parseAnalysis overlays the fields found in reply on def. Missing or
// unparsable fields keep their default.
func parseAnalysis(reply string, def Analysis) Analysis {
	a := def
	for _, f := range scanFields(reply) {
		switch f.key {
		case keyPriority:
			switch Priority(strings.ToLower(f.value)) {
			case PriorityHigh:
				a.Priority = PriorityHigh
			case PriorityMedium:
				a.Priority = PriorityMedium
			case PriorityLow:
				a.Priority = PriorityLow
			}
		case keyRelevance:
			if r, err := strconv.ParseFloat(f.value, 64); err == nil && r >= 0 && r <= 1 {
				a.Relevance = r
			}
		case keyNeedsNewPrompt:
			a.NeedsNewPrompt = parseBool(f.value, a.NeedsNewPrompt)
		case keyNeedsKBUpdate:
			a.NeedsKnowledgeBaseUpdate = parseBool(f.value, a.NeedsKnowledgeBaseUpdate)
		case keyShouldResume:
			a.ShouldResume = parseBool(f.value, a.ShouldResume)
		case keyContext:
			if f.value != "" {
				a.Context = f.value
			}
		}
	}
	return a
}

// parsePlan overlays the fields found in reply on def. A strategy other
// than RESUME or TERMINATE becomes TERMINATE.
func parsePlan(reply string, def Plan) Plan {
	plan := def
	var updates []bus.KBUpdate
	sawUpdates := false
	for _, f := range scanFields(reply) {
		switch f.key {
		case keyStrategy:
			switch Strategy(strings.ToUpper(strings.Trim(f.value, "*. "))) {
			case StrategyResume:
				plan.Strategy = StrategyResume
			default:
				plan.Strategy = StrategyTerminate
			}
		case keyNewPrompt:
			switch strings.ToLower(f.value) {
			case "":
			case "none", "n/a", "-":
				plan.NewPrompt = ""
			default:
				plan.NewPrompt = f.value
			}
		case keyKBUpdate:
			sawUpdates = true
			topic, content, ok := strings.Cut(f.value, ":")
			topic, content = strings.TrimSpace(topic), strings.TrimSpace(content)
			if !ok || topic == "" || content == "" {
				continue
			}
			updates = append(updates, bus.KBUpdate{Topic: topic, Content: content})
		}
	}
	if sawUpdates {
		plan.KBUpdates = updates
	}
	return plan
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.Trim(v, "*. ")) {
	case "yes", "y", "true", "1":
		return true
	case "no", "n", "false", "0":
		return false
	}
	return def
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
