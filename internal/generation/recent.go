package generation

import (
	"strings"
	"unicode/utf8"
)

// RecentChunks returns the shortest suffix of the chunk history holding at
// least maxChars characters (or the whole history when shorter). A
// non-positive budget uses the configured default.
func (c *Controller) RecentChunks(maxChars int) []string {
	if c == nil {
		return nil
	}
	if maxChars <= 0 {
		maxChars = c.recentChars
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return recentSuffix(c.chunks, maxChars)
}

// RecentOutput joins RecentChunks.
func (c *Controller) RecentOutput(maxChars int) string {
	return strings.Join(c.RecentChunks(maxChars), "")
}

func recentSuffix(chunks []string, maxChars int) []string {
	total := 0
	i := len(chunks)
	for i > 0 && total < maxChars {
		i--
		total += utf8.RuneCountInString(chunks[i])
	}
	return append([]string(nil), chunks[i:]...)
}
