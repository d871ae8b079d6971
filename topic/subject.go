package topic

import (
	"fmt"
	"strings"

	"github.com/c360/synthiot/errors"
)

// ToSubjects translates an MQTT filter into the NATS subjects that cover it.
// NATS '>' needs at least one token while MQTT '#' also matches the parent
// level, so "a/#" yields both "a" and "a.>".
func ToSubjects(pattern string) ([]string, error) {
	if err := ValidateFilter(pattern); err != nil {
		return nil, err
	}
	if pattern == MultiLevel {
		return []string{">"}, nil
	}

	segs := strings.Split(pattern, Separator)
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch seg {
		case SingleLevel:
			out = append(out, "*")
		case MultiLevel:
			out = append(out, ">")
		default:
			if err := validateSubjectToken(seg, pattern); err != nil {
				return nil, err
			}
			out = append(out, seg)
		}
	}

	subject := strings.Join(out, ".")
	if segs[len(segs)-1] == MultiLevel {
		parent := strings.Join(out[:len(out)-1], ".")
		return []string{parent, subject}, nil
	}
	return []string{subject}, nil
}

// ToSubject translates a concrete topic into a NATS subject.
func ToSubject(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	segs := strings.Split(name, Separator)
	for _, seg := range segs {
		if err := validateSubjectToken(seg, name); err != nil {
			return "", err
		}
	}
	return strings.Join(segs, "."), nil
}

// FromSubject translates a NATS subject back into a topic.
func FromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", Separator)
}

func validateSubjectToken(seg, full string) error {
	if seg == "" || strings.ContainsAny(seg, ". \t\r\n*>") {
		return errors.WrapInvalid(fmt.Errorf("%w: %q cannot be expressed as a NATS subject", errors.ErrInvalidTopic, full),
			"topic", "ToSubject", "translate segment")
	}
	return nil
}
