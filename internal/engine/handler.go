package engine

import (
	"context"

	"rolegate/internal/domain"
	"rolegate/internal/memory"
)

// Memory is the contract surface a role handler sees during one invocation.
type Memory interface {
	Retrieve(ctx context.Context, q memory.Query) ([]domain.MemoryEntry, error)
	StoreSummary(ctx context.Context, e domain.MemoryEntry) (domain.MemoryEntry, error)
}

// ArtifactReader gives handlers read-only access to a run's artifacts.
type ArtifactReader interface {
	GetPath(rel string) (domain.Artifact, error)
}

// Invocation is the input of one opaque role call.
type Invocation struct {
	RunID        string
	Run          domain.Run
	Role         domain.Role
	Readable     []string
	Artifacts    ArtifactReader
	Memory       Memory
	PatternFlags []domain.SystemicPatternFlag
	Attempt      int
	// Feedback carries the post-condition failure of the previous attempt.
	Feedback string
}

// Handler runs one role invocation. Implementations wrap the external,
// LLM-driven behavior of a role.
type Handler interface {
	Invoke(ctx context.Context, inv Invocation) (domain.Outcome, error)
}

type HandlerFunc func(ctx context.Context, inv Invocation) (domain.Outcome, error)

func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) (domain.Outcome, error) {
	return f(ctx, inv)
}
