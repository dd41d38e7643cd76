package statestore

import (
	"strings"
)

const (
	tagPrevious = "<!-- Previous State: "
	tagType     = "<!-- State Type: "
	tagCreated  = "<!-- Created: "
	tagClose    = " -->"

	kindFull    = "full"
	kindPartial = "partial"
)

// entryTrailer is the metadata embedded at the end of every chain entry.
type entryTrailer struct {
	Previous string
	IsFull   bool
	Created  string
}

func (t entryTrailer) render() string {
	var b strings.Builder
	b.WriteString("\n\n")
	if t.Previous != "" {
		b.WriteString(tagPrevious + t.Previous + tagClose + "\n")
	}
	b.WriteString(tagType + kindOf(t.IsFull) + tagClose + "\n")
	b.WriteString(tagCreated + t.Created + tagClose + "\n")
	return b.String()
}

func kindOf(full bool) string {
	if full {
		return kindFull
	}
	return kindPartial
}

// splitEntry separates an entry's domain content from its trailer. Entries
// written without a trailer are treated as full states with no predecessor.
func splitEntry(raw string) (string, entryTrailer) {
	start := -1
	for _, tag := range []string{"\n\n" + tagPrevious, "\n\n" + tagType} {
		if i := strings.LastIndex(raw, tag); i > start {
			start = i
		}
	}
	if start < 0 {
		return raw, entryTrailer{IsFull: true}
	}

	var t entryTrailer
	for _, line := range strings.Split(raw[start:], "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, tagPrevious):
			t.Previous = tagValue(line, tagPrevious)
		case strings.HasPrefix(line, tagType):
			t.IsFull = tagValue(line, tagType) == kindFull
		case strings.HasPrefix(line, tagCreated):
			t.Created = tagValue(line, tagCreated)
		}
	}
	return raw[:start], t
}

func tagValue(line, tag string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, tag), "-->"))
}
