// Package topic implements MQTT topic validation and wildcard matching.
//
// Topics are slash-separated segments. In filters, "+" matches exactly one
// segment and "#" matches zero or more trailing segments; "#" is only valid as
// the final segment. The same rules are used by the transport for per-topic
// callbacks, by the IoT adapter for mappings and by the device registry for
// discovery patterns.
package topic

import (
	"fmt"
	"strings"

	"github.com/c360/synthiot/errors"
)

const (
	// Separator splits topic levels
	Separator = "/"
	// SingleLevel matches exactly one level
	SingleLevel = "+"
	// MultiLevel matches zero or more trailing levels
	MultiLevel = "#"
)

// Match reports whether a concrete topic matches a filter pattern.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return !HasWildcards(pattern)
	}
	if pattern == MultiLevel {
		return true
	}

	p := strings.Split(pattern, Separator)
	t := strings.Split(topic, Separator)

	for i, seg := range p {
		if seg == MultiLevel {
			// '#' must be the last segment and absorbs the rest, including nothing
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if seg == SingleLevel {
			continue
		}
		if seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// HasWildcards reports whether a filter contains '+' or '#' segments.
func HasWildcards(pattern string) bool {
	for _, seg := range strings.Split(pattern, Separator) {
		if seg == SingleLevel || seg == MultiLevel {
			return true
		}
	}
	return false
}

// ValidateFilter checks that a subscription filter is well formed.
func ValidateFilter(pattern string) error {
	if pattern == "" {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "topic", "ValidateFilter", "empty filter")
	}
	segs := strings.Split(pattern, Separator)
	for i, seg := range segs {
		switch {
		case seg == MultiLevel && i != len(segs)-1:
			return errors.WrapInvalid(fmt.Errorf("%w: '#' must be the final segment in %q", errors.ErrInvalidTopic, pattern),
				"topic", "ValidateFilter", "check wildcard position")
		case seg != MultiLevel && seg != SingleLevel && strings.ContainsAny(seg, "+#"):
			return errors.WrapInvalid(fmt.Errorf("%w: wildcard must occupy a whole segment in %q", errors.ErrInvalidTopic, pattern),
				"topic", "ValidateFilter", "check wildcard segment")
		}
	}
	return nil
}

// ValidateName checks that a publish topic is concrete.
func ValidateName(topic string) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "topic", "ValidateName", "empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return errors.WrapInvalid(fmt.Errorf("%w: wildcards not allowed in %q", errors.ErrInvalidTopic, topic),
			"topic", "ValidateName", "check wildcards")
	}
	return nil
}

// Segments splits a topic into its levels.
func Segments(topic string) []string {
	return strings.Split(topic, Separator)
}
