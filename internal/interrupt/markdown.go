package interrupt

import (
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Header opens every markdown interrupt record.
const Header = "## Interrupt Record"

// ErrNotRecord is returned by Parse when the header line is missing.
var ErrNotRecord = errors.New("not an interrupt record")

const (
	lineDateTime    = "- DateTime:"
	lineSource      = "- Source:"
	lineType        = "- Type:"
	lineContext     = "- Context:"
	lineLastOutput  = "  - Last Output:"
	lineStreamState = "  - Stream State:"
	lineReason      = "- Reason:"
	lineData        = "- Additional Data:"
	dataItem        = "  - "
)

// Markdown renders the record in its fixed layout. Map values in
// AdditionalData are written one level deep; anything nested further is
// printed with %v.
func (r *Record) Markdown() string {
	var b strings.Builder
	b.WriteString(Header + "\n")
	b.WriteString(lineDateTime + " " + r.DateTime.UTC().Format(TimeLayout) + "\n")
	b.WriteString(lineSource + " " + foldLines(r.Source) + "\n")
	b.WriteString(lineType + " " + foldLines(r.Type) + "\n")
	b.WriteString(lineContext + "\n")
	b.WriteString(lineLastOutput + " " + foldLines(r.Context.LastOutput) + "\n")
	b.WriteString(lineStreamState + " " + foldLines(r.Context.StreamState) + "\n")
	b.WriteString(lineReason + " " + foldLines(r.Reason) + "\n")
	if len(r.AdditionalData) > 0 {
		b.WriteString(lineData + "\n")
		keys := make([]string, 0, len(r.AdditionalData))
		for k := range r.AdditionalData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeDataValue(&b, k, r.AdditionalData[k])
		}
	}
	return b.String()
}

func writeDataValue(b *strings.Builder, key string, v any) {
	key = foldLines(key)
	switch val := v.(type) {
	case map[string]string:
		b.WriteString(dataItem + key + ":\n")
		for _, sk := range sortedKeys(val) {
			b.WriteString("    - " + foldLines(sk) + ": " + foldLines(val[sk]) + "\n")
		}
	case map[string]any:
		b.WriteString(dataItem + key + ":\n")
		subKeys := make([]string, 0, len(val))
		for sk := range val {
			subKeys = append(subKeys, sk)
		}
		sort.Strings(subKeys)
		for _, sk := range subKeys {
			b.WriteString("    - " + foldLines(sk) + ": " + foldLines(fmt.Sprint(val[sk])) + "\n")
		}
	case nil:
		b.WriteString(dataItem + key + ": \n")
	default:
		b.WriteString(dataItem + key + ": " + foldLines(fmt.Sprint(val)) + "\n")
	}
}

// foldLines replaces line breaks with spaces so a value cannot start a new
// line of the record.
func foldLines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse reads a markdown record. Only the fields of the fixed layout are
// recovered: AdditionalData values come back as strings, and for object
// values just the top key survives (with an empty value). Lines outside
// the grammar are ignored. The first occurrence of each header field wins.
func Parse(md string) (*Record, error) {
	sc := bufio.NewScanner(strings.NewReader(md))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		r       *Record
		inBlock string
		seen    = make(map[string]bool)
	)
	// first reports whether field has not been read yet and marks it read.
	first := func(field string) bool {
		if seen[field] {
			return false
		}
		seen[field] = true
		return true
	}
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if r == nil {
			if strings.TrimSpace(line) == Header {
				r = &Record{}
			}
			continue
		}
		if strings.HasPrefix(line, "## ") {
			break
		}

		switch {
		case strings.HasPrefix(line, lineDateTime):
			inBlock = ""
			if !first(lineDateTime) {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, value(line, lineDateTime)); err == nil {
				r.DateTime = t.UTC()
			}
		case strings.HasPrefix(line, lineSource):
			inBlock = ""
			if first(lineSource) {
				r.Source = value(line, lineSource)
			}
		case strings.HasPrefix(line, lineType):
			inBlock = ""
			if first(lineType) {
				r.Type = value(line, lineType)
			}
		case line == lineContext:
			inBlock = lineContext
		case strings.HasPrefix(line, lineReason):
			inBlock = ""
			if first(lineReason) {
				r.Reason = value(line, lineReason)
			}
		case line == lineData:
			inBlock = lineData
			if r.AdditionalData == nil {
				r.AdditionalData = make(map[string]any)
			}
		case inBlock == lineContext && strings.HasPrefix(line, lineLastOutput):
			if first(lineLastOutput) {
				r.Context.LastOutput = value(line, lineLastOutput)
			}
		case inBlock == lineContext && strings.HasPrefix(line, lineStreamState):
			if first(lineStreamState) {
				r.Context.StreamState = value(line, lineStreamState)
			}
		case inBlock == lineData && strings.HasPrefix(line, dataItem):
			k, v, ok := strings.Cut(line[len(dataItem):], ":")
			if !ok || k == "" {
				continue
			}
			r.AdditionalData[k] = strings.TrimPrefix(v, " ")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read interrupt record: %w", err)
	}
	if r == nil {
		return nil, ErrNotRecord
	}
	return r, nil
}

// IsMarkdown reports whether payload looks like a markdown record.
func IsMarkdown(payload string) bool {
	for _, line := range strings.Split(payload, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return trimmed == Header
	}
	return false
}

func value(line, prefix string) string {
	return strings.TrimPrefix(line[len(prefix):], " ")
}
