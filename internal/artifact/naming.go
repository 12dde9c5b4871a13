package artifact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"rolegate/internal/domain"
)

// ErrInvalidName reports a file name outside the artifact naming convention.
var ErrInvalidName = errors.New("artifact: invalid name")

var (
	sequencePattern = regexp.MustCompile(`^[0-9]{3,}$`)
	topicPattern    = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	slugStrip       = regexp.MustCompile(`[^a-z0-9]+`)
)

// Suffix is the file name suffix for kind; plans have none.
func Suffix(kind domain.ArtifactKind) string {
	if kind == domain.KindPlan {
		return ""
	}
	return string(kind)
}

// Name renders {sequence}-{topic}.md for plans and {sequence}-{topic}-{suffix}.md otherwise.
func Name(sequence, topic string, kind domain.ArtifactKind) string {
	if s := Suffix(kind); s != "" {
		return fmt.Sprintf("%s-%s-%s.md", sequence, topic, s)
	}
	return fmt.Sprintf("%s-%s.md", sequence, topic)
}

// ParseName is the inverse of Name. It rejects names that do not round trip.
func ParseName(name string) (sequence, topic string, kind domain.ArtifactKind, err error) {
	base, ok := strings.CutSuffix(name, ".md")
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q lacks .md", ErrInvalidName, name)
	}
	sequence, rest, ok := strings.Cut(base, "-")
	if !ok || !sequencePattern.MatchString(sequence) {
		return "", "", "", fmt.Errorf("%w: %q lacks a numeric sequence", ErrInvalidName, name)
	}
	kind = domain.KindPlan
	topic = rest
	for _, k := range domain.AllKinds {
		s := Suffix(k)
		if s == "" {
			continue
		}
		if t, found := strings.CutSuffix(rest, "-"+s); found {
			kind, topic = k, t
			break
		}
	}
	if err := ValidateTopic(topic); err != nil {
		return "", "", "", fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	return sequence, topic, kind, nil
}

// ValidateTopic checks the slug grammar. A slug may not end in a suffix
// token, otherwise plan names would be ambiguous.
func ValidateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return fmt.Errorf("topic %q is not a lowercase slug", topic)
	}
	for _, k := range domain.AllKinds {
		if s := Suffix(k); s != "" && (topic == s || strings.HasSuffix(topic, "-"+s)) {
			return fmt.Errorf("topic %q ends in reserved suffix %q", topic, s)
		}
	}
	return nil
}

// ValidateSequence checks a zero-padded run sequence id.
func ValidateSequence(sequence string) error {
	if !sequencePattern.MatchString(sequence) {
		return fmt.Errorf("sequence %q must be at least three digits", sequence)
	}
	return nil
}

// Slugify turns a free-form title into a topic slug, appending "work" when
// the result would end in a reserved suffix.
func Slugify(title string) string {
	s := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if s == "" {
		return "work"
	}
	if ValidateTopic(s) != nil {
		s += "-work"
	}
	return s
}
