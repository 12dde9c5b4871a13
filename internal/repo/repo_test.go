package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"rolegate/internal/db"
	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestEventsCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, typ := range []string{events.RunStarted, events.RunTransition, events.RunCompleted} {
		if err := w.Append(ctx, nil, events.Event{Type: typ, RunID: "r1", EntityKind: "run", EntityID: "r1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest id %d err %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, 1)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 2 || after[0].Type != events.RunTransition {
		t.Fatalf("unexpected events after cursor: %+v", after)
	}
	newest, err := r.LatestEvents(ctx, EventFilter{RunID: "r1", Limit: 1})
	if err != nil || len(newest) != 1 || newest[0].Type != events.RunCompleted {
		t.Fatalf("latest events %+v err %v", newest, err)
	}
}

func TestMemoryEntryLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := domain.MemoryEntry{
		ID: "m1", Kind: domain.MemorySummary, Topic: "auth", Goal: "g", ContextText: "ctx",
		Decisions: []string{"use jwt"}, Rejected: []domain.Alternative{{Option: "sessions", Reason: "stateful"}},
		CurrentStatus: "planning", Status: domain.MemoryActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertMemoryEntry(ctx, nil, e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetMemoryEntry(ctx, nil, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Rejected[0].Reason != "stateful" || !got.CreatedAt.Equal(now) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if err := r.TransitionMemoryEntry(ctx, nil, "m1", domain.MemorySuperseded, "m2", now); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	err = r.TransitionMemoryEntry(ctx, nil, "m1", domain.MemoryPromoted, "", now)
	if !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected ErrImmutable on terminal entry, got %v", err)
	}
	if err := r.TransitionMemoryEntry(ctx, nil, "missing", domain.MemoryPromoted, "", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	active, err := r.ListMemoryEntries(ctx, nil, MemoryFilter{Topic: "auth", Status: domain.MemoryActive})
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active entries, got %d err %v", len(active), err)
	}
}

func TestMemoryConflictDedup(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := domain.MemoryConflict{ID: "c1", Topic: "auth", EntryIDs: []string{"a", "b"}, Detail: "x", DetectedAt: time.Now()}
	inserted, err := r.InsertMemoryConflict(ctx, nil, c)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	c.ID = "c2"
	inserted, err = r.InsertMemoryConflict(ctx, nil, c)
	if err != nil || inserted {
		t.Fatalf("duplicate open conflict should be ignored: %v %v", inserted, err)
	}
	if err := r.ResolveMemoryConflicts(ctx, nil, "auth", []string{"b"}, time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err := r.ListMemoryConflicts(ctx, true)
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open conflicts, got %+v err %v", open, err)
	}
}

func TestPatternOccurrencesAndFlags(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		o := domain.EscalationOccurrence{Key: "k", Category: domain.IssueVerificationFailed, Roles: []domain.RoleID{"implementer", "qa"}, RunID: "r", EscalationID: "e", At: base.Add(time.Duration(i) * time.Second)}
		if err := r.InsertEscalationOccurrence(ctx, nil, o); err != nil {
			t.Fatalf("insert occurrence: %v", err)
		}
	}
	occ, err := r.OccurrencesSince(ctx, nil, "k", base)
	if err != nil || len(occ) != 2 {
		t.Fatalf("expected 2 occurrences strictly after base, got %d err %v", len(occ), err)
	}
	if _, err := r.LastPatternFlag(ctx, nil, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no flag yet, got %v", err)
	}
	f := domain.SystemicPatternFlag{ID: "f1", Key: "k", Category: domain.IssueVerificationFailed, Occurrences: 3, FirstSeen: base, LastSeen: base, FlaggedAt: base}
	if err := r.InsertPatternFlag(ctx, nil, f); err != nil {
		t.Fatalf("insert flag: %v", err)
	}
	if err := r.AcknowledgePatternFlags(ctx, nil, []string{"f1"}, "run-x", base); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := r.ListPatternFlags(ctx, PatternFilter{Unacknowledged: true})
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending flags, got %d err %v", len(pending), err)
	}
	all, err := r.ListPatternFlags(ctx, PatternFilter{})
	if err != nil || len(all) != 1 || all[0].AckedBy != "run-x" {
		t.Fatalf("unexpected flags %+v err %v", all, err)
	}
}
