package memory

import (
	"context"
	"strings"

	"rolegate/internal/domain"
)

// Store is the narrow contract the engine needs from the memory service.
// Implementations must be safe for concurrent use by many runs.
type Store interface {
	Search(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error)
	Insert(ctx context.Context, e domain.MemoryEntry) (domain.MemoryEntry, error)
	Get(ctx context.Context, id string) (domain.MemoryEntry, error)
}

// CompactionStore is what the background compactor needs.
type CompactionStore interface {
	CompactionTopics(ctx context.Context) ([]string, error)
	ActiveSummaries(ctx context.Context, topic string) ([]domain.MemoryEntry, error)
	ActiveRecords(ctx context.Context, topic string) ([]domain.MemoryEntry, error)
	Promote(ctx context.Context, record domain.MemoryEntry, inputs []string) (domain.MemoryEntry, error)
	FlagConflict(ctx context.Context, topic string, ids []string, detail string) (bool, error)
}

// Normalize folds case and whitespace so decisions compare by meaning of text.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// document renders the text indexed for an entry.
func document(e domain.MemoryEntry) string {
	var b strings.Builder
	b.WriteString(e.Topic)
	b.WriteString("\n")
	b.WriteString(e.Goal)
	b.WriteString("\n")
	b.WriteString(e.ContextText)
	for _, d := range e.Decisions {
		b.WriteString("\n")
		b.WriteString(d)
	}
	for _, r := range e.Rejected {
		b.WriteString("\n")
		b.WriteString(r.Option)
	}
	return b.String()
}
