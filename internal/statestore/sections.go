package statestore

import (
	"regexp"
	"strings"
)

var headingPattern = regexp.MustCompile(`^(#+)\s+(.+)$`)

// Section is one markdown heading and the text up to the next heading.
type Section struct {
	Header string
	Body   string
}

// ParseSections splits markdown content on heading lines. Text before the
// first heading is returned separately as the preamble.
func ParseSections(content string) (string, []Section) {
	var (
		preamble []string
		sections []Section
		body     []string
		current  *Section
	)
	closeSection := func() {
		if current != nil {
			current.Body = strings.Trim(strings.Join(body, "\n"), "\n")
			sections = append(sections, *current)
		}
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if headingPattern.MatchString(strings.TrimRight(line, "\r")) {
			if current == nil {
				preamble = body
				body = nil
			} else {
				closeSection()
			}
			current = &Section{Header: strings.TrimRight(line, "\r")}
			continue
		}
		body = append(body, line)
	}
	if current == nil {
		return strings.Trim(strings.Join(body, "\n"), "\n"), nil
	}
	closeSection()
	return strings.Trim(strings.Join(preamble, "\n"), "\n"), sections
}

// MergeSections layers chronologically ordered entries onto the first one.
// A section from a later entry is only added when its header line is not
// already present; sections never get overwritten by newer entries.
func MergeSections(contents []string) string {
	if len(contents) == 0 {
		return ""
	}
	preamble, merged := ParseSections(contents[0])
	seen := make(map[string]bool, len(merged))
	for _, s := range merged {
		seen[s.Header] = true
	}
	for _, c := range contents[1:] {
		_, secs := ParseSections(c)
		for _, s := range secs {
			if seen[s.Header] {
				continue
			}
			seen[s.Header] = true
			merged = append(merged, s)
		}
	}
	return RenderSections(preamble, merged)
}

// RenderSections joins sections back into markdown.
func RenderSections(preamble string, sections []Section) string {
	parts := make([]string, 0, len(sections)+1)
	if preamble != "" {
		parts = append(parts, preamble)
	}
	for _, s := range sections {
		if s.Body == "" {
			parts = append(parts, s.Header)
			continue
		}
		parts = append(parts, s.Header+"\n"+s.Body)
	}
	return strings.Join(parts, "\n\n")
}

// FindSection returns the body of the first section with the given header.
func FindSection(content, header string) (string, bool) {
	_, secs := ParseSections(content)
	for _, s := range secs {
		if s.Header == header {
			return s.Body, true
		}
	}
	return "", false
}

// EscapeBody makes body text safe to store as a section body: lines that
// start with '#' or '\' get a leading backslash so they never parse as
// headings. UnescapeBody reverses it.
func EscapeBody(body string) string {
	if !strings.ContainsAny(body, `#\`) {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, `\`) {
			lines[i] = `\` + line
		}
	}
	return strings.Join(lines, "\n")
}

// UnescapeBody undoes EscapeBody.
func UnescapeBody(body string) string {
	if !strings.Contains(body, `\`) {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, `\`)
	}
	return strings.Join(lines, "\n")
}
