package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"abc", "def", "g"}, SplitChunks("abcdefg", 3))
	assert.Equal(t, []string{"héé", "llo"}, SplitChunks("hééllo", 3))
	assert.Nil(t, SplitChunks("", 3))
}

func TestScriptedStreamEndsWithEOF(t *testing.T) {
	s := &ScriptedStreamer{ChunkSize: 4}
	st, err := s.ContinuationStream(context.Background(), "hello world", "")
	require.NoError(t, err)

	var b strings.Builder
	for {
		d, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b.WriteString(d)
	}
	assert.Equal(t, "hello world", b.String())
}

func TestScriptedStreamClose(t *testing.T) {
	s := &ScriptedStreamer{Script: func(string) string { return "abcdef" }, ChunkSize: 2}
	st, err := s.ContinuationStream(context.Background(), "p", "")
	require.NoError(t, err)

	d, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ab", d)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	_, err = st.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, 2, s.Opened()[0].Closes())
}

func TestOfflineCompleteWithoutFunc(t *testing.T) {
	o := &Offline{ScriptedStreamer: &ScriptedStreamer{}}
	out, err := o.Complete(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, "offline", o.Name())
}
