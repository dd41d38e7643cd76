package statestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		cur := t
		t = t.Add(step)
		return cur
	}
}

func newTestStore(t *testing.T, generator string) *Store {
	t.Helper()
	s, err := New(&Config{
		Root:      t.TempDir(),
		Generator: generator,
		Now:       stepClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), time.Second),
	})
	require.NoError(t, err)
	return s
}

func TestLoadMetaMissingIsEmpty(t *testing.T) {
	s := newTestStore(t, "gen")
	meta, err := s.LoadMeta()
	require.NoError(t, err)
	assert.True(t, meta.IsEmpty())

	content, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, "", content)

	history, err := s.StateHistory()
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNewRejectsBadGenerator(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := New(&Config{Root: t.TempDir(), Generator: name}); err == nil {
			t.Errorf("expected error for generator %q", name)
		}
	}
}

func TestSaveStateFilenameAndTrailer(t *testing.T) {
	s := newTestStore(t, "gen")

	first, err := s.SaveState("# A\nbody", true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "state_"))
	assert.Contains(t, first, "_full_")
	assert.True(t, strings.HasSuffix(first, ".md"))

	second, err := s.SaveState("# B\nmore", false)
	require.NoError(t, err)
	assert.Contains(t, second, "_partial_")

	raw, err := os.ReadFile(filepath.Join(s.Dir(), second))
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "<!-- Previous State: "+first+" -->")
	assert.Contains(t, text, "<!-- State Type: partial -->")
	assert.Contains(t, text, "<!-- Created: 2025-03-01T12:00:01.000Z -->")

	raw, err = os.ReadFile(filepath.Join(s.Dir(), first))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Previous State")

	meta, err := s.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, second, meta.CurrentStateFile)
	assert.False(t, meta.IsCurrentStateFull)
	require.Len(t, meta.StateFiles, 2)
	assert.Equal(t, second, meta.StateFiles[0].Filename)
	assert.Equal(t, first, meta.StateFiles[1].Filename)
	assert.True(t, meta.StateFiles[1].IsFullState)
}

func TestLoadStateFullHeadVerbatim(t *testing.T) {
	s := newTestStore(t, "gen")
	content := "intro text\n\n# A\nalpha\n\n## B\nbeta\n"
	_, err := s.SaveState(content, true)
	require.NoError(t, err)

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestChainReconstructionFirstWriteWins(t *testing.T) {
	s := newTestStore(t, "gen")
	_, err := s.SaveState("# A\nfrom F\n\n# B\noriginal B", true)
	require.NoError(t, err)
	_, err = s.SaveState("# B\nnew body\n\n# C\nfrom P1", false)
	require.NoError(t, err)

	got, err := s.LoadState()
	require.NoError(t, err)
	want := "# A\nfrom F\n\n# B\noriginal B\n\n# C\nfrom P1"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reconstruction mismatch (-want +got):\n%s", diff)
	}
}

func TestChainStopsAtNearestFull(t *testing.T) {
	s := newTestStore(t, "gen")
	_, err := s.SaveState("# Old\nstale", true)
	require.NoError(t, err)
	_, err = s.SaveState("# Older Partial\nx", false)
	require.NoError(t, err)
	_, err = s.SaveState("# Fresh\nbase", true)
	require.NoError(t, err)
	_, err = s.SaveState("# Delta\nd1", false)
	require.NoError(t, err)
	_, err = s.SaveState("# Delta 2\nd2", false)
	require.NoError(t, err)

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, "# Fresh\nbase\n\n# Delta\nd1\n\n# Delta 2\nd2", got)

	history, err := s.StateHistory()
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].IsFull)
	assert.Equal(t, history[0].Filename, history[1].PreviousFile)
	assert.Equal(t, history[1].Filename, history[2].PreviousFile)
	assert.Equal(t, "# Delta 2\nd2", history[2].Content)
}

func TestMissingMidChainEntryIsNotFatal(t *testing.T) {
	s := newTestStore(t, "gen")
	full, err := s.SaveState("# A\na", true)
	require.NoError(t, err)
	_, err = s.SaveState("# B\nb", false)
	require.NoError(t, err)
	_, err = s.SaveState("# C\nc", false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(s.Dir(), full)))

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, "# B\nb\n\n# C\nc", got)
}

func TestStateFilesIndexIsCapped(t *testing.T) {
	s := newTestStore(t, "gen")
	var names []string
	for i := 0; i < MaxIndexedStateFiles+5; i++ {
		name, err := s.SaveState("# Entry\n"+strings.Repeat("x", i), i == 0)
		require.NoError(t, err)
		names = append(names, name)
	}

	files, err := s.ListStateFiles()
	require.NoError(t, err)
	require.Len(t, files, MaxIndexedStateFiles)
	assert.Equal(t, names[len(names)-1], files[0].Filename)

	// Pruned entries stay on disk.
	_, err = os.Stat(filepath.Join(s.Dir(), names[0]))
	assert.NoError(t, err)
}

func TestIdenticalContentSameMillisecondGetsDistinctFile(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := New(&Config{Root: t.TempDir(), Generator: "gen", Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	a, err := s.SaveState("# Same\nx", false)
	require.NoError(t, err)
	b, err := s.SaveState("# Same\nx", false)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	history, err := s.StateHistory()
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpdateAppliesFieldsAndKeepsIndex(t *testing.T) {
	s := newTestStore(t, "gen")
	_, err := s.SaveState("# A\na", true)
	require.NoError(t, err)

	_, err = s.Update("# B\nb", false, func(m *Metadata) {
		m.Set("partialStateCount", "1")
		m.SetSection("rule:alarm", map[string]string{"type": "keyword", "keywords": "fire,smoke"})
	})
	require.NoError(t, err)

	meta, err := s.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Int("partialStateCount"))
	assert.Equal(t, "fire,smoke", meta.Section("rule:alarm")["keywords"])
	assert.Len(t, meta.StateFiles, 2)
}

func TestSaveStateDirectoryFailurePropagates(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	s, err := New(&Config{Root: blocker, Generator: "gen"})
	require.NoError(t, err)
	_, err = s.SaveState("# A\na", true)
	assert.Error(t, err)
}
