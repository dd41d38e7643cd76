package triggers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/steveyegge/meditator/internal/statestore"
	"go.uber.org/zap"
)

// Rule types.
const (
	RuleRegex   = "regex"
	RuleKeyword = "keyword"
)

// rulePrefix marks rule sections in a token monitor's metadata.
const rulePrefix = "rule:"

// Rule is a content check run against the token buffer.
type Rule struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Pattern     string   `yaml:"pattern,omitempty"`
	Flags       string   `yaml:"flags,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"`
	Description string   `yaml:"description,omitempty"`

	re *regexp.Regexp
}

// compile prepares a regex rule. Flags use the i, m and s letters; others
// are ignored.
func (r *Rule) compile() error {
	if r.Type != RuleRegex {
		return nil
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %s: empty pattern", r.Name)
	}
	var flags strings.Builder
	for _, f := range r.Flags {
		if strings.ContainsRune("ims", f) && !strings.ContainsRune(flags.String(), f) {
			flags.WriteRune(f)
		}
	}
	pattern := r.Pattern
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// Check returns the interrupt reason when content trips the rule.
func (r *Rule) Check(content string) (string, bool) {
	switch r.Type {
	case RuleRegex:
		if r.re == nil || !r.re.MatchString(content) {
			return "", false
		}
		return fmt.Sprintf("Rule trigger: %s - %s", orDefault(r.Name, "Unnamed rule"), orDefault(r.Description, "Pattern match")), true
	case RuleKeyword:
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(content, kw) {
				return fmt.Sprintf("Keyword trigger: %q detected - %s", kw, orDefault(r.Description, "Keyword match")), true
			}
		}
	}
	return "", false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// RulesFromMeta reads the rule sections of a token monitor's metadata.
// Rules that fail to compile are logged and skipped.
func RulesFromMeta(meta *statestore.Metadata, logger *zap.Logger) []Rule {
	var rules []Rule
	for _, section := range meta.SectionNames(rulePrefix) {
		fields := meta.Section(section)
		r := Rule{
			Name:        strings.TrimPrefix(section, rulePrefix),
			Type:        fields["type"],
			Pattern:     fields["pattern"],
			Flags:       fields["flags"],
			Description: fields["description"],
		}
		for _, kw := range strings.Split(fields["keywords"], ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				r.Keywords = append(r.Keywords, kw)
			}
		}
		if err := r.compile(); err != nil {
			orNop(logger).Error("skipping invalid rule", zap.Error(err))
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

// WriteRules replaces the rule sections of meta.
func WriteRules(meta *statestore.Metadata, rules []Rule) error {
	seen := make(map[string]bool)
	for _, r := range rules {
		if r.Name == "" || strings.ContainsAny(r.Name, "\n:") {
			return fmt.Errorf("invalid rule name %q", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if r.Type != RuleRegex && r.Type != RuleKeyword {
			return fmt.Errorf("rule %s: unknown type %q", r.Name, r.Type)
		}
		if err := r.compile(); err != nil {
			return err
		}
		for _, kw := range r.Keywords {
			if strings.Contains(kw, ",") {
				return fmt.Errorf("rule %s: keyword %q contains a comma", r.Name, kw)
			}
		}
	}

	for _, section := range meta.SectionNames(rulePrefix) {
		meta.DeleteSection(section)
	}
	for _, r := range rules {
		fields := map[string]string{"type": r.Type}
		if r.Pattern != "" {
			fields["pattern"] = r.Pattern
		}
		if r.Flags != "" {
			fields["flags"] = r.Flags
		}
		if len(r.Keywords) > 0 {
			fields["keywords"] = strings.Join(r.Keywords, ",")
		}
		if r.Description != "" {
			fields["description"] = r.Description
		}
		meta.SetSection(rulePrefix+r.Name, fields)
	}
	return nil
}

// MonitorGenerator is the state store generator of the named monitor.
func MonitorGenerator(name string) string {
	if name == "" {
		name = "default"
	}
	return "token-monitor-" + name
}

// SetupTokenMonitorRules stores rules for the named monitor under root,
// replacing any existing ones.
func SetupTokenMonitorRules(root, name string, rules []Rule, logger *zap.Logger) error {
	store, err := statestore.New(&statestore.Config{Root: root, Generator: MonitorGenerator(name), Logger: logger})
	if err != nil {
		return err
	}
	meta, err := store.LoadMeta()
	if err != nil {
		return err
	}
	if err := WriteRules(meta, rules); err != nil {
		return err
	}
	if err := store.SaveMeta(meta); err != nil {
		return fmt.Errorf("failed to save rules: %w", err)
	}
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	sort.Strings(names)
	orNop(logger).Info("token monitor rules updated", zap.String("monitor", name), zap.Strings("rules", names))
	return nil
}
