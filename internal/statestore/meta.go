package statestore

import (
	"bufio"
	"sort"
	"strconv"
	"strings"
)

// MaxIndexedStateFiles caps the stateFiles index kept in metadata. Older
// chain entries stay on disk; they are only dropped from the index.
const MaxIndexedStateFiles = 20

const (
	metaTitle          = "# Generator Metadata"
	stateFilesSection  = "stateFiles"
	keyCurrentFile     = "currentStateFile"
	keyLastUpdated     = "lastUpdated"
	keyCurrentFull     = "isCurrentStateFull"
	keyStateTimestamp  = "timestamp"
	keyStateFullMarker = "isFullState"
)

// StateFileInfo summarizes one chain entry in the metadata index.
type StateFileInfo struct {
	Filename    string
	Timestamp   string
	IsFullState bool
}

// Metadata is the per-generator metadata document. Besides the chain head
// bookkeeping it carries generator-specific scalar fields and flat object
// sections (for example token monitor rules).
type Metadata struct {
	CurrentStateFile   string
	LastUpdated        string
	IsCurrentStateFull bool
	StateFiles         []StateFileInfo

	Fields   map[string]string
	Sections map[string]map[string]string
}

// NewMetadata returns an empty metadata document.
func NewMetadata() *Metadata {
	return &Metadata{
		Fields:   make(map[string]string),
		Sections: make(map[string]map[string]string),
	}
}

// IsEmpty reports whether the document holds nothing at all, which is what
// LoadMeta returns for a generator that has never been saved.
func (m *Metadata) IsEmpty() bool {
	return m.CurrentStateFile == "" && m.LastUpdated == "" && len(m.StateFiles) == 0 &&
		len(m.Fields) == 0 && len(m.Sections) == 0
}

// Get returns a scalar field.
func (m *Metadata) Get(key string) string {
	return m.Fields[key]
}

// Set stores a scalar field.
func (m *Metadata) Set(key, value string) {
	if m.Fields == nil {
		m.Fields = make(map[string]string)
	}
	m.Fields[key] = value
}

// Int returns a scalar field as an int, or 0 when absent or malformed.
func (m *Metadata) Int(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(m.Fields[key]))
	if err != nil {
		return 0
	}
	return n
}

// Bool returns a scalar field as a bool.
func (m *Metadata) Bool(key string) bool {
	return strings.TrimSpace(m.Fields[key]) == "true"
}

// Section returns a copy of an object field, or nil when absent.
func (m *Metadata) Section(name string) map[string]string {
	sec, ok := m.Sections[name]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(sec))
	for k, v := range sec {
		out[k] = v
	}
	return out
}

// SetSection replaces an object field.
func (m *Metadata) SetSection(name string, values map[string]string) {
	if m.Sections == nil {
		m.Sections = make(map[string]map[string]string)
	}
	sec := make(map[string]string, len(values))
	for k, v := range values {
		sec[k] = v
	}
	m.Sections[name] = sec
}

// DeleteSection removes an object field.
func (m *Metadata) DeleteSection(name string) {
	delete(m.Sections, name)
}

// SectionNames returns the sorted names of object fields with the given prefix.
func (m *Metadata) SectionNames(prefix string) []string {
	var names []string
	for name := range m.Sections {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Metadata) pushStateFile(info StateFileInfo) {
	files := append([]StateFileInfo{info}, m.StateFiles...)
	if len(files) > MaxIndexedStateFiles {
		files = files[:MaxIndexedStateFiles]
	}
	m.StateFiles = files
}

// formatMeta renders metadata as markdown. Keys are written in sorted order
// so that identical metadata always produces identical documents.
func formatMeta(m *Metadata) string {
	var b strings.Builder
	b.WriteString(metaTitle)
	b.WriteString("\n\n")

	writeField(&b, keyCurrentFile, m.CurrentStateFile)
	writeField(&b, keyLastUpdated, m.LastUpdated)
	writeField(&b, keyCurrentFull, strconv.FormatBool(m.IsCurrentStateFull))
	for _, k := range sortedKeys(m.Fields) {
		writeField(&b, k, m.Fields[k])
	}

	names := make([]string, 0, len(m.Sections))
	for name := range m.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("\n## ")
		b.WriteString(name)
		b.WriteString("\n\n")
		sec := m.Sections[name]
		for _, k := range sortedKeys(sec) {
			writeField(&b, k, sec[k])
		}
	}

	if len(m.StateFiles) > 0 {
		b.WriteString("\n## ")
		b.WriteString(stateFilesSection)
		b.WriteString("\n\n")
		for _, f := range m.StateFiles {
			b.WriteString("- **")
			b.WriteString(f.Filename)
			b.WriteString("**\n")
			b.WriteString("  - " + keyStateTimestamp + ": " + f.Timestamp + "\n")
			b.WriteString("  - " + keyStateFullMarker + ": " + strconv.FormatBool(f.IsFullState) + "\n")
		}
	}
	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString("- **")
	b.WriteString(key)
	b.WriteString("**: ")
	b.WriteString(flatten(value))
	b.WriteString("\n")
}

// flatten keeps a value on one line; the document is line oriented.
func flatten(v string) string {
	return strings.ReplaceAll(strings.ReplaceAll(v, "\r", ""), "\n", " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseMeta is the inverse of formatMeta. Unknown lines are ignored.
func parseMeta(doc string) *Metadata {
	m := NewMetadata()
	section := ""
	var current *StateFileInfo

	flush := func() {
		if current != nil {
			m.StateFiles = append(m.StateFiles, *current)
			current = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(doc))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			section = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			if section != stateFilesSection {
				if _, ok := m.Sections[section]; !ok {
					m.Sections[section] = make(map[string]string)
				}
			}
		case strings.HasPrefix(line, "# "):
			// Title.
		case section == stateFilesSection:
			if name, ok := parseBareKey(line); ok {
				flush()
				current = &StateFileInfo{Filename: name}
				continue
			}
			if current == nil {
				continue
			}
			k, v, ok := parseSubItem(line)
			if !ok {
				continue
			}
			switch k {
			case keyStateTimestamp:
				current.Timestamp = v
			case keyStateFullMarker:
				current.IsFullState = v == "true"
			}
		default:
			k, v, ok := parseKeyValue(line)
			if !ok {
				continue
			}
			if section != "" {
				m.Sections[section][k] = v
				continue
			}
			switch k {
			case keyCurrentFile:
				m.CurrentStateFile = v
			case keyLastUpdated:
				m.LastUpdated = v
			case keyCurrentFull:
				m.IsCurrentStateFull = v == "true"
			default:
				m.Fields[k] = v
			}
		}
	}
	flush()
	return m
}

// parseKeyValue matches "- **key**: value".
func parseKeyValue(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "- **") {
		return "", "", false
	}
	rest := line[len("- **"):]
	end := strings.Index(rest, "**:")
	if end <= 0 {
		return "", "", false
	}
	return rest[:end], strings.TrimSpace(rest[end+len("**:"):]), true
}

// parseBareKey matches "- **key**" with nothing after it.
func parseBareKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(line, "- **") || !strings.HasSuffix(trimmed, "**") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(trimmed, "- **"), "**")
	if name == "" || strings.Contains(name, "**") {
		return "", false
	}
	return name, true
}

// parseSubItem matches "  - key: value".
func parseSubItem(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "  - ") {
		return "", "", false
	}
	k, v, ok := strings.Cut(line[len("  - "):], ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}
