package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/memory"
)

// Script is a pre-recorded invocation: memory queries in order, an optional
// summary, then the outcome.
type Script struct {
	Queries []memory.Query      `json:"queries,omitempty"`
	Summary *domain.MemoryEntry `json:"summary,omitempty"`
	Outcome domain.Outcome      `json:"outcome"`
}

// Invoke replays the script against the invocation's memory handle. The
// first failing memory call ends the invocation.
func (s Script) Invoke(ctx context.Context, inv engine.Invocation) (domain.Outcome, error) {
	for _, q := range s.Queries {
		if _, err := inv.Memory.Retrieve(ctx, q); err != nil {
			return domain.Outcome{}, err
		}
	}
	if s.Summary != nil {
		if _, err := inv.Memory.StoreSummary(ctx, *s.Summary); err != nil {
			return domain.Outcome{}, err
		}
	}
	out := s.Outcome
	if out.Kind == "" {
		out.Kind = inv.Role.Produces
	}
	return out, nil
}

// Decode reads a script as strict JSON.
func Decode(r io.Reader) (Script, error) {
	var s Script
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	return s, nil
}

func LoadFile(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return Decode(bytes.NewReader(data))
}
