package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var timeExpression = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*(ms|s|m|h)?$`)

// ParseTimeExpression parses a duration such as "500ms", "100s", "1.5h" or
// "10m". A bare number is taken as milliseconds. A leading minus is kept;
// some settings read a negative duration as "disabled".
func ParseTimeExpression(expr string) (time.Duration, error) {
	m := timeExpression.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return 0, fmt.Errorf("invalid time expression %q", expr)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time expression %q: %w", expr, err)
	}
	unit := time.Millisecond
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(value * float64(unit)), nil
}

// Duration is a time.Duration read from a time expression.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := ParseTimeExpression(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%dms", time.Duration(d).Milliseconds()), nil
}
