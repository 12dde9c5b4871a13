package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"rolegate/internal/domain"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

type envelope struct {
	Rolegate metadata `yaml:"rolegate"`
}

type metadata struct {
	Run          string               `yaml:"run"`
	Sequence     string               `yaml:"sequence"`
	Topic        string               `yaml:"topic"`
	Kind         string               `yaml:"kind"`
	Role         string               `yaml:"role"`
	Status       string               `yaml:"status"`
	Revision     int                  `yaml:"revision"`
	Created      string               `yaml:"created"`
	Updated      string               `yaml:"updated"`
	Decisions    []string             `yaml:"decisions,omitempty"`
	Rejected     []string             `yaml:"rejected,omitempty"`
	Verification *domain.Verification `yaml:"verification,omitempty"`
	Changelog    []domain.ChangeEntry `yaml:"changelog"`
}

// Parse reads a stored artifact document.
func Parse(content []byte) (domain.Artifact, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return domain.Artifact{}, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return domain.Artifact{}, ErrMalformedFrontMatter
	}
	var env envelope
	if err := yaml.Unmarshal(parts[0], &env); err != nil {
		return domain.Artifact{}, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	m := env.Rolegate
	if m.Run == "" || m.Kind == "" || m.Role == "" || m.Revision < 1 {
		return domain.Artifact{}, ErrMalformedFrontMatter
	}
	created, err := time.Parse(time.RFC3339Nano, m.Created)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, m.Updated)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("artifact: parse updated timestamp: %w", err)
	}
	return domain.Artifact{
		RunID:         m.Run,
		SequenceID:    m.Sequence,
		Topic:         m.Topic,
		Kind:          domain.ArtifactKind(m.Kind),
		ProducingRole: domain.RoleID(m.Role),
		Status:        domain.ArtifactStatus(m.Status),
		Revision:      m.Revision,
		Changelog:     m.Changelog,
		Decisions:     m.Decisions,
		Rejected:      m.Rejected,
		Verification:  m.Verification,
		Body:          string(bytes.TrimPrefix(parts[1], []byte("\n"))),
		CreatedAt:     created.UTC(),
		UpdatedAt:     updated.UTC(),
	}, nil
}

// Render writes the frontmatter envelope followed by the markdown body.
func Render(a domain.Artifact) ([]byte, error) {
	env := envelope{Rolegate: metadata{
		Run:          a.RunID,
		Sequence:     a.SequenceID,
		Topic:        a.Topic,
		Kind:         string(a.Kind),
		Role:         string(a.ProducingRole),
		Status:       string(a.Status),
		Revision:     a.Revision,
		Created:      a.CreatedAt.UTC().Format(time.RFC3339Nano),
		Updated:      a.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Decisions:    a.Decisions,
		Rejected:     a.Rejected,
		Verification: a.Verification,
		Changelog:    a.Changelog,
	}}
	data, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(a.Body)
	return buf.Bytes(), nil
}
