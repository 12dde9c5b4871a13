package runstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolegate/internal/domain"
)

func newRun(id, seq string) domain.Run {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return domain.Run{ID: id, SequenceID: seq, Topic: "t", EntryRole: "planner", CurrentRole: "planner", Status: domain.RunActive, CreatedAt: now, UpdatedAt: now}
}

func transition(seq int) domain.Transition {
	return domain.Transition{Seq: seq, From: "planner", To: "critic", Trigger: domain.TriggerAccept, At: time.Date(2026, 2, 1, 9, 0, seq, 0, time.UTC)}
}

func TestRunLifecycle(t *testing.T) {
	s := New(t.TempDir())
	run := newRun("r1", "001")
	_, err := s.CreateRun(run)
	require.NoError(t, err)
	_, err = s.CreateRun(run)
	assert.Error(t, err, "duplicate create")

	run.History = append(run.History, transition(1))
	require.NoError(t, s.SaveRun(run))

	got, err := s.GetRun("r1")
	require.NoError(t, err)
	assert.Len(t, got.History, 1)

	got.History = nil
	assert.ErrorIs(t, s.SaveRun(got), domain.ErrHistoryRewrite)

	got.History = []domain.Transition{transition(1)}
	got.History[0].To = "implementer"
	assert.ErrorIs(t, s.SaveRun(got), domain.ErrHistoryRewrite)

	_, err = s.GetRun("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetRun("../etc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNextSequence(t *testing.T) {
	s := New(t.TempDir())
	seq, err := s.NextSequence()
	require.NoError(t, err)
	assert.Equal(t, "001", seq)
	_, err = s.CreateRun(newRun("a", "001"))
	require.NoError(t, err)
	_, err = s.CreateRun(newRun("b", "007"))
	require.NoError(t, err)
	seq, err = s.NextSequence()
	require.NoError(t, err)
	assert.Equal(t, "008", seq)
	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
}

func TestSequenceHeldByOneRun(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.CreateRun(newRun("a", "007"))
	require.NoError(t, err)

	_, err = s.CreateRun(newRun("b", "007"))
	assert.ErrorIs(t, err, domain.ErrSequenceTaken)

	auto := newRun("c", "")
	stored, err := s.CreateRun(auto)
	require.NoError(t, err)
	assert.Equal(t, "008", stored.SequenceID)

	got, err := s.GetRun("c")
	require.NoError(t, err)
	assert.Equal(t, "008", got.SequenceID)
	_, err = s.GetRun("b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentAutoSequencesAreDistinct(t *testing.T) {
	dir := t.TempDir()
	// Two stores on one directory stand in for two processes.
	stores := []*Store{New(dir), New(dir)}
	const perStore = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seqs := map[string]string{}
	for i, s := range stores {
		for j := 0; j < perStore; j++ {
			wg.Add(1)
			go func(s *Store, id string) {
				defer wg.Done()
				run, err := s.CreateRun(newRun(id, ""))
				if err != nil {
					t.Errorf("create %s: %v", id, err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if other, ok := seqs[run.SequenceID]; ok {
					t.Errorf("sequence %s given to %s and %s", run.SequenceID, other, id)
				}
				seqs[run.SequenceID] = id
			}(s, fmt.Sprintf("r%d-%d", i, j))
		}
	}
	wg.Wait()
	assert.Len(t, seqs, 2*perStore)

	runs, err := stores[0].ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2*perStore)
}

func TestEscalationImmutable(t *testing.T) {
	s := New(t.TempDir())
	rec := domain.EscalationRecord{ID: "e1", RunID: "r1", Issue: "x", Decision: domain.OptionReplan, NextRole: "planner", DecidedAt: time.Now().UTC()}
	require.NoError(t, s.SaveEscalation(rec))
	rec.Decision = domain.OptionCancel
	assert.ErrorIs(t, s.SaveEscalation(rec), domain.ErrImmutable)

	got, err := s.GetEscalation("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.OptionReplan, got.Decision)

	assert.Error(t, s.SaveEscalation(domain.EscalationRecord{ID: "e2", RunID: "r1"}), "undecided records are refused")

	list, err := s.ListEscalations("r1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListEscalations("other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHistoryAppendOnlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("appends succeed and any rewrite of a stored prefix fails", prop.ForAll(
		func(appends int, cut int) bool {
			s := New(t.TempDir())
			run := newRun("r", "001")
			if _, err := s.CreateRun(run); err != nil {
				return false
			}
			for i := 1; i <= appends; i++ {
				run.History = append(run.History, transition(i))
				if s.SaveRun(run) != nil {
					return false
				}
				stored, err := s.GetRun("r")
				if err != nil || len(stored.History) != i {
					return false
				}
			}
			if cut >= appends {
				return true
			}
			truncated := run
			truncated.History = append([]domain.Transition(nil), run.History[:cut]...)
			if s.SaveRun(truncated) == nil {
				return false
			}
			reordered := run
			reordered.History = append([]domain.Transition(nil), run.History...)
			reordered.History[cut].Trigger = domain.TriggerReject
			return s.SaveRun(reordered) != nil
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
