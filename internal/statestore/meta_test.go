package statestore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetaRoundTrip(t *testing.T) {
	m := NewMetadata()
	m.CurrentStateFile = "state_2_partial_abc.md"
	m.LastUpdated = "2025-03-01T12:00:00.000Z"
	m.IsCurrentStateFull = false
	m.StateFiles = []StateFileInfo{
		{Filename: "state_2_partial_abc.md", Timestamp: "2025-03-01T12:00:00.000Z"},
		{Filename: "state_1_full_def.md", Timestamp: "2025-03-01T11:00:00.000Z", IsFullState: true},
	}
	m.Set("generatorType", "token-monitor")
	m.Set("partialStateCount", "3")
	m.SetSection("configuration", map[string]string{"initialized": "true"})
	m.SetSection("rule:fire", map[string]string{"type": "regex", "pattern": `fire\s+alarm`, "flags": "i"})

	got := parseMeta(formatMeta(m))
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("metadata round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaFormatLayout(t *testing.T) {
	m := NewMetadata()
	m.CurrentStateFile = "f.md"
	m.IsCurrentStateFull = true
	doc := formatMeta(m)
	want := "# Generator Metadata\n\n- **currentStateFile**: f.md\n- **lastUpdated**: \n- **isCurrentStateFull**: true\n"
	if doc != want {
		t.Fatalf("unexpected layout:\n%q\nwant\n%q", doc, want)
	}
}

func TestMetaValuesStayOnOneLine(t *testing.T) {
	m := NewMetadata()
	m.Set("note", "line one\nline two")
	got := parseMeta(formatMeta(m))
	if got.Get("note") != "line one line two" {
		t.Fatalf("got %q", got.Get("note"))
	}
}

func TestParseMetaIgnoresJunk(t *testing.T) {
	doc := "# Generator Metadata\n\nrandom prose\n- **a**: 1\n- not a field\n\n## obj\n\n- **k**: v\n"
	m := parseMeta(doc)
	if m.Get("a") != "1" || m.Section("obj")["k"] != "v" {
		t.Fatalf("unexpected parse: %+v", m)
	}
}
