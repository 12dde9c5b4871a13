package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/logging"
	"rolegate/internal/repo"
)

const collectionName = "memory"

// SQLStore keeps entries in sqlite and indexes active entries in chromem.
type SQLStore struct {
	repo   repo.Repo
	events events.Writer
	vdb    *chromem.DB
	coll   *chromem.Collection
	embed  chromem.EmbeddingFunc
	log    *zap.Logger
	now    func() time.Time
}

type SQLStoreOptions struct {
	Repo       repo.Repo
	Events     events.Writer
	VectorDB   *chromem.DB
	VectorSize int
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewSQLStore opens the index and rebuilds it when it drifted from sqlite.
func NewSQLStore(ctx context.Context, opts SQLStoreOptions) (*SQLStore, error) {
	if opts.VectorDB == nil {
		opts.VectorDB = chromem.NewDB()
	}
	s := &SQLStore{
		repo:   opts.Repo,
		events: opts.Events,
		vdb:    opts.VectorDB,
		embed:  HashEmbedder{Dim: opts.VectorSize}.Func(),
		log:    logging.OrNop(opts.Logger),
		now:    opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.reindex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) reindex(ctx context.Context) error {
	active, err := s.repo.ListMemoryEntries(ctx, nil, repo.MemoryFilter{Status: domain.MemoryActive})
	if err != nil {
		return fmt.Errorf("memory: list active entries: %w", err)
	}
	coll, err := s.vdb.GetOrCreateCollection(collectionName, nil, s.embed)
	if err != nil {
		return fmt.Errorf("memory: open collection: %w", err)
	}
	if coll.Count() == len(active) {
		s.coll = coll
		return nil
	}
	s.log.Info("rebuilding memory index", zap.Int("indexed", coll.Count()), zap.Int("active", len(active)))
	if err := s.vdb.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("memory: reset collection: %w", err)
	}
	coll, err = s.vdb.GetOrCreateCollection(collectionName, nil, s.embed)
	if err != nil {
		return fmt.Errorf("memory: open collection: %w", err)
	}
	s.coll = coll
	if len(active) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(active))
	for _, e := range active {
		docs = append(docs, chromem.Document{ID: e.ID, Content: document(e), Metadata: metadata(e)})
	}
	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("memory: index entries: %w", err)
	}
	return nil
}

func metadata(e domain.MemoryEntry) map[string]string {
	return map[string]string{
		"topic":      e.Topic,
		"kind":       string(e.Kind),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Search ranks active entries by similarity to query.
func (s *SQLStore) Search(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("memory: limit must be positive, got %d", limit)
	}
	n := s.coll.Count()
	if n == 0 {
		return nil, nil
	}
	if limit > n {
		limit = n
	}
	results, err := s.coll.Query(ctx, query, limit, nil, nil)
	if err != nil {
		if errors.Is(err, ErrEmptyText) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	out := make([]domain.MemoryEntry, 0, len(results))
	for _, r := range results {
		e, err := s.repo.GetMemoryEntry(ctx, nil, r.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if e.Status != domain.MemoryActive {
			continue
		}
		e.Score = r.Similarity
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (domain.MemoryEntry, error) {
	return s.repo.GetMemoryEntry(ctx, nil, id)
}

func (s *SQLStore) List(ctx context.Context, f repo.MemoryFilter) ([]domain.MemoryEntry, error) {
	return s.repo.ListMemoryEntries(ctx, nil, f)
}

// Insert stores an active entry. Listed supersedes ids must be active
// entries on the same topic; they become superseded in the same transaction.
func (s *SQLStore) Insert(ctx context.Context, e domain.MemoryEntry) (domain.MemoryEntry, error) {
	now := s.now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = domain.MemorySummary
	}
	e.Status = domain.MemoryActive
	e.CreatedAt, e.UpdatedAt = now, now
	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		for _, old := range e.Supersedes {
			prev, err := s.repo.GetMemoryEntry(ctx, tx, old)
			if err != nil {
				return fmt.Errorf("memory: supersede %s: %w", old, err)
			}
			if prev.Topic != e.Topic {
				return fmt.Errorf("memory: %s is on topic %q, not %q", old, prev.Topic, e.Topic)
			}
		}
		if err := s.repo.InsertMemoryEntry(ctx, tx, e); err != nil {
			return err
		}
		for _, old := range e.Supersedes {
			if err := s.repo.TransitionMemoryEntry(ctx, tx, old, domain.MemorySuperseded, e.ID, now); err != nil {
				return err
			}
		}
		if len(e.Supersedes) > 0 {
			if err := s.repo.ResolveMemoryConflicts(ctx, tx, e.Topic, e.Supersedes, now); err != nil {
				return err
			}
		}
		return s.events.Append(ctx, tx, events.Event{
			Type: events.MemoryStore, RunID: e.SourceRunID, EntityKind: "memory", EntityID: e.ID,
			Payload: events.EventPayload{"topic": e.Topic, "kind": e.Kind, "supersedes": e.Supersedes},
		})
	})
	if err != nil {
		return domain.MemoryEntry{}, err
	}
	if err := s.index(ctx, e); err != nil {
		return domain.MemoryEntry{}, err
	}
	s.unindex(ctx, e.Supersedes...)
	return e, nil
}

// CompactionTopics lists topics with at least two active summaries.
func (s *SQLStore) CompactionTopics(ctx context.Context) ([]string, error) {
	return s.repo.ListMemoryTopics(ctx, nil)
}

func (s *SQLStore) ActiveSummaries(ctx context.Context, topic string) ([]domain.MemoryEntry, error) {
	return s.repo.ListMemoryEntries(ctx, nil, repo.MemoryFilter{Topic: topic, Status: domain.MemoryActive, Kind: domain.MemorySummary})
}

func (s *SQLStore) ActiveRecords(ctx context.Context, topic string) ([]domain.MemoryEntry, error) {
	return s.repo.ListMemoryEntries(ctx, nil, repo.MemoryFilter{Topic: topic, Status: domain.MemoryActive, Kind: domain.MemoryDecisionRecord})
}

// Promote inserts a decision record and marks its inputs promoted. Every
// other active decision record on the topic is superseded by it, so a topic
// holds at most one active record.
func (s *SQLStore) Promote(ctx context.Context, record domain.MemoryEntry, inputs []string) (domain.MemoryEntry, error) {
	now := s.now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Kind = domain.MemoryDecisionRecord
	record.Status = domain.MemoryActive
	record.SourceEntryIDs = append([]string(nil), inputs...)
	record.CreatedAt, record.UpdatedAt = now, now
	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.repo.ListMemoryEntries(ctx, tx, repo.MemoryFilter{Topic: record.Topic, Status: domain.MemoryActive, Kind: domain.MemoryDecisionRecord})
		if err != nil {
			return err
		}
		record.Supersedes = nil
		for _, old := range current {
			record.Supersedes = append(record.Supersedes, old.ID)
		}
		if err := s.repo.InsertMemoryEntry(ctx, tx, record); err != nil {
			return err
		}
		for _, id := range inputs {
			if err := s.repo.TransitionMemoryEntry(ctx, tx, id, domain.MemoryPromoted, record.ID, now); err != nil {
				return err
			}
		}
		for _, id := range record.Supersedes {
			if err := s.repo.TransitionMemoryEntry(ctx, tx, id, domain.MemorySuperseded, record.ID, now); err != nil {
				return err
			}
		}
		return s.events.Append(ctx, tx, events.Event{
			Type: events.MemoryPromoted, EntityKind: "memory", EntityID: record.ID, ActorID: "compactor",
			Payload: events.EventPayload{"topic": record.Topic, "inputs": inputs, "decisions": record.Decisions, "supersedes": record.Supersedes},
		})
	})
	if err != nil {
		return domain.MemoryEntry{}, err
	}
	if err := s.index(ctx, record); err != nil {
		return domain.MemoryEntry{}, err
	}
	s.unindex(ctx, inputs...)
	s.unindex(ctx, record.Supersedes...)
	return record, nil
}

// FlagConflict records contradicting entries for role-level reconciliation.
func (s *SQLStore) FlagConflict(ctx context.Context, topic string, ids []string, detail string) (bool, error) {
	ids = append([]string(nil), ids...)
	sort.Strings(ids)
	now := s.now().UTC()
	var inserted bool
	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.repo.InsertMemoryConflict(ctx, tx, domain.MemoryConflict{ID: uuid.NewString(), Topic: topic, EntryIDs: ids, Detail: detail, DetectedAt: now})
		if err != nil || !inserted {
			return err
		}
		if err := s.repo.SetNeedsReconciliation(ctx, tx, ids, true, now); err != nil {
			return err
		}
		return s.events.Append(ctx, tx, events.Event{
			Type: events.MemoryConflict, EntityKind: "memory", EntityID: topic, ActorID: "compactor",
			Payload: events.EventPayload{"entries": ids, "detail": detail},
		})
	})
	return inserted, err
}

func (s *SQLStore) Conflicts(ctx context.Context, openOnly bool) ([]domain.MemoryConflict, error) {
	return s.repo.ListMemoryConflicts(ctx, openOnly)
}

func (s *SQLStore) index(ctx context.Context, e domain.MemoryEntry) error {
	if err := s.coll.AddDocument(ctx, chromem.Document{ID: e.ID, Content: document(e), Metadata: metadata(e)}); err != nil {
		return fmt.Errorf("memory: index %s: %w", e.ID, err)
	}
	return nil
}

// unindex drops entries from the vector index. sqlite stays authoritative,
// so a failure only leaves a stale hit that Search filters out.
func (s *SQLStore) unindex(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if err := s.coll.Delete(ctx, nil, nil, id); err != nil {
			s.log.Warn("memory: drop from index failed", zap.String("id", id), zap.Error(err))
		}
	}
}
