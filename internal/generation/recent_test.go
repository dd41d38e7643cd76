package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecentSuffix(t *testing.T) {
	chunks := []string{"aaaa", "bbb", "cc", "d"}
	tests := []struct {
		budget int
		want   []string
	}{
		{1, []string{"d"}},
		{3, []string{"cc", "d"}},
		{4, []string{"bbb", "cc", "d"}},
		{6, []string{"bbb", "cc", "d"}},
		{7, []string{"aaaa", "bbb", "cc", "d"}},
		{100, []string{"aaaa", "bbb", "cc", "d"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, recentSuffix(chunks, tt.budget), "budget %d", tt.budget)
	}
	assert.Empty(t, recentSuffix(nil, 10))
}

func TestRecentSuffixCountsRunes(t *testing.T) {
	assert.Equal(t, []string{"été"}, recentSuffix([]string{"xx", "été"}, 3))
}
