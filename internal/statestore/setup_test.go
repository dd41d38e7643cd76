package statestore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupCreatesCoreGenerators(t *testing.T) {
	root := t.TempDir()
	created, err := Setup(root, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, CoreGenerators, created)

	names, err := ListGenerators(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"time-based", "token-monitor"}, names)

	s, err := New(&Config{Root: root, Generator: "token-monitor"})
	require.NoError(t, err)
	content, err := s.LoadState()
	require.NoError(t, err)
	assert.Contains(t, content, "# token-monitor State")
	assert.Contains(t, content, "## Status\n\nInitialized")

	meta, err := s.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, "token-monitor", meta.Get("generatorType"))
	assert.Equal(t, LayoutVersion, meta.Get("layoutVersion"))
	assert.Equal(t, "true", meta.Section("configuration")["initialized"])

	again, err := Setup(root, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSetupRejectsIncompatibleLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(&Config{Root: root, Generator: "old"})
	require.NoError(t, err)
	_, err = s.Update("# old", true, func(m *Metadata) { m.Set("layoutVersion", "v2.1.0") })
	require.NoError(t, err)

	_, err = Setup(root, []string{"old"}, nil)
	assert.True(t, errors.Is(err, ErrLayoutMismatch), "got %v", err)
}

func TestSummary(t *testing.T) {
	root := t.TempDir()
	_, err := Setup(root, []string{"a", "b"}, nil)
	require.NoError(t, err)

	sum, err := Summary(root, nil)
	require.NoError(t, err)
	require.Len(t, sum, 2)
	assert.Equal(t, "a", sum[0].Generator)
	assert.True(t, sum[0].IsFull)
	assert.Equal(t, 1, sum[0].IndexedFiles)
}

func TestListGeneratorsMissingRoot(t *testing.T) {
	names, err := ListGenerators(t.TempDir() + "/nope")
	require.NoError(t, err)
	assert.Empty(t, names)
}
