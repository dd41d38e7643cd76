package triggers

import (
	"testing"

	"github.com/steveyegge/meditator/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleCheck(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		content string
		want    string
		match   bool
	}{
		{
			name:    "regex match",
			rule:    Rule{Name: "loop", Type: RuleRegex, Pattern: `again and again`, Description: "Repetition"},
			content: "thinking again and again",
			want:    "Rule trigger: loop - Repetition",
			match:   true,
		},
		{
			name:    "regex case sensitive by default",
			rule:    Rule{Name: "loop", Type: RuleRegex, Pattern: `again`},
			content: "AGAIN",
		},
		{
			name:    "regex ignore case flag",
			rule:    Rule{Name: "loop", Type: RuleRegex, Pattern: `again`, Flags: "i"},
			content: "AGAIN",
			want:    "Rule trigger: loop - Pattern match",
			match:   true,
		},
		{
			name:    "keyword match",
			rule:    Rule{Name: "danger", Type: RuleKeyword, Keywords: []string{"fire", "flood"}},
			content: "a flood is coming",
			want:    `Keyword trigger: "flood" detected - Keyword match`,
			match:   true,
		},
		{
			name:    "keyword miss",
			rule:    Rule{Name: "danger", Type: RuleKeyword, Keywords: []string{"fire"}},
			content: "all calm",
		},
		{
			name:    "unknown type never matches",
			rule:    Rule{Name: "odd", Type: "semantic", Keywords: []string{"calm"}},
			content: "all calm",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.rule.compile())
			got, ok := tt.rule.Check(tt.content)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteRulesValidation(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty name", []Rule{{Type: RuleKeyword, Keywords: []string{"x"}}}},
		{"name with colon", []Rule{{Name: "a:b", Type: RuleKeyword}}},
		{"duplicate", []Rule{{Name: "a", Type: RuleKeyword}, {Name: "a", Type: RuleKeyword}}},
		{"unknown type", []Rule{{Name: "a", Type: "fuzzy"}}},
		{"empty pattern", []Rule{{Name: "a", Type: RuleRegex}}},
		{"bad pattern", []Rule{{Name: "a", Type: RuleRegex, Pattern: "("}}},
		{"comma in keyword", []Rule{{Name: "a", Type: RuleKeyword, Keywords: []string{"x,y"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := statestore.NewMetadata()
			assert.Error(t, WriteRules(meta, tt.rules))
			assert.Empty(t, meta.SectionNames(rulePrefix))
		})
	}
}

func TestWriteRulesRoundTrip(t *testing.T) {
	meta := statestore.NewMetadata()
	require.NoError(t, WriteRules(meta, []Rule{
		{Name: "old", Type: RuleKeyword, Keywords: []string{"stale"}},
	}))
	require.NoError(t, WriteRules(meta, []Rule{
		{Name: "loop", Type: RuleRegex, Pattern: `again`, Flags: "i", Description: "Repetition"},
		{Name: "danger", Type: RuleKeyword, Keywords: []string{"fire", "flood"}},
	}))

	rules := RulesFromMeta(meta, nil)
	require.Len(t, rules, 2)
	byName := map[string]Rule{}
	for _, r := range rules {
		byName[r.Name] = r
	}
	assert.NotContains(t, byName, "old")
	assert.Equal(t, []string{"fire", "flood"}, byName["danger"].Keywords)
	loop := byName["loop"]
	_, ok := loop.Check("AGAIN")
	assert.True(t, ok)
}

func TestRulesFromMetaSkipsInvalid(t *testing.T) {
	meta := statestore.NewMetadata()
	meta.SetSection("rule:broken", map[string]string{"type": "regex", "pattern": "("})
	meta.SetSection("rule:ok", map[string]string{"type": "keyword", "keywords": " a , ,b"})

	rules := RulesFromMeta(meta, nil)
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].Name)
	assert.Equal(t, []string{"a", "b"}, rules[0].Keywords)
}

func TestMonitorGenerator(t *testing.T) {
	assert.Equal(t, "token-monitor-default", MonitorGenerator(""))
	assert.Equal(t, "token-monitor-safety", MonitorGenerator("safety"))
}
