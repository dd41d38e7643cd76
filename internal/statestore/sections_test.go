package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSections(t *testing.T) {
	pre, secs := ParseSections("lead\n\n# One\nbody one\n\n## Two\n\nbody two\n#NotAHeading\n")
	assert.Equal(t, "lead", pre)
	assert.Equal(t, []Section{
		{Header: "# One", Body: "body one"},
		{Header: "## Two", Body: "body two\n#NotAHeading"},
	}, secs)
}

func TestMergeSectionsKeepsBaseAndAddsNew(t *testing.T) {
	got := MergeSections([]string{
		"# A\na\n\n# B\nb",
		"# B\nb2\n\n# C\nc",
		"# C\nc2\n\n## D\nd",
	})
	assert.Equal(t, "# A\na\n\n# B\nb\n\n# C\nc\n\n## D\nd", got)
}

func TestMergeHeaderIdentityIncludesLevel(t *testing.T) {
	got := MergeSections([]string{"# A\none", "## A\ntwo"})
	assert.Equal(t, "# A\none\n\n## A\ntwo", got)
}

func TestFindSection(t *testing.T) {
	body, ok := FindSection("# X\n\n## Prompt\nhello\nworld\n\n## Model\nm", "## Prompt")
	assert.True(t, ok)
	assert.Equal(t, "hello\nworld", body)

	_, ok = FindSection("# X", "## Missing")
	assert.False(t, ok)
}

func TestSplitEntry(t *testing.T) {
	raw := "# A\na" + entryTrailer{Previous: "p.md", IsFull: false, Created: "c"}.render()
	content, tr := splitEntry(raw)
	assert.Equal(t, "# A\na", content)
	assert.Equal(t, entryTrailer{Previous: "p.md", IsFull: false, Created: "c"}, tr)

	content, tr = splitEntry("legacy content")
	assert.Equal(t, "legacy content", content)
	assert.True(t, tr.IsFull)
}

func TestEscapeBodySurvivesParsing(t *testing.T) {
	body := "intro\n# Heading\n\\already\n  # indented stays"
	escaped := EscapeBody(body)
	assert.Equal(t, "intro\n\\# Heading\n\\\\already\n  # indented stays", escaped)

	got, ok := FindSection(RenderSections("", []Section{{Header: "## Prompt", Body: escaped}}), "## Prompt")
	assert.True(t, ok)
	assert.Equal(t, body, UnescapeBody(got))
	assert.Equal(t, "plain", EscapeBody("plain"))
}
