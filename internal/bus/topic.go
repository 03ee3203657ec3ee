package bus

import (
	"fmt"
	"strings"
)

// Topic segments are separated by '.'. A '*' segment matches exactly one
// topic segment; a trailing '>' matches one or more remaining segments.
const (
	delimiter    = "."
	wildcardOne  = "*"
	wildcardRest = ">"
)

// validatePattern rejects empty patterns, empty segments, and a '>'
// anywhere but the final segment.
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	segments := strings.Split(pattern, delimiter)
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
		if seg == wildcardRest && i != len(segments)-1 {
			return fmt.Errorf("pattern %q: %q is only valid as the final segment", pattern, wildcardRest)
		}
	}
	return nil
}

// matchTopic reports whether a pattern matches a topic. Matching is
// structural: literals match exactly, '*' consumes one segment, a final
// '>' consumes all remaining segments (at least one).
func matchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, delimiter)
	t := strings.Split(topic, delimiter)

	for i, seg := range p {
		if seg == wildcardRest {
			return len(t) > i
		}
		if i >= len(t) {
			return false
		}
		if seg != wildcardOne && seg != t[i] {
			return false
		}
	}
	return len(t) == len(p)
}
