package runstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"rolegate/internal/domain"
	"rolegate/internal/fsutil"
)

// Store persists runs/{run_id}.json and escalations/{id}.json under the state dir.
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(stateDir string) *Store {
	return &Store{dir: stateDir}
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.dir, "runs", id+".json")
}

func (s *Store) sequencePath(seq string) string {
	return filepath.Join(s.dir, "runs", ".sequences", seq)
}

func (s *Store) escalationPath(id string) string {
	return filepath.Join(s.dir, "escalations", id+".json")
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// CreateRun stores a new run; it fails if the id is taken or another run
// holds its sequence id. An empty sequence id is allocated here, under the
// same lock as the create, and returned in the stored run.
func (s *Store) CreateRun(run domain.Run) (domain.Run, error) {
	if err := validID(run.ID); err != nil {
		return run, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.listRuns()
	if err != nil {
		return run, err
	}
	auto := run.SequenceID == ""
	if auto {
		run.SequenceID = nextSequence(runs)
	}
	for _, r := range runs {
		if r.SequenceID == run.SequenceID {
			return run, fmt.Errorf("sequence %s held by run %s: %w", run.SequenceID, r.ID, domain.ErrSequenceTaken)
		}
	}
	// The marker is created exclusively, so a second process sharing the
	// workspace cannot claim the same sequence.
	for {
		err := fsutil.WriteFileOnce(s.sequencePath(run.SequenceID), []byte(run.ID), 0o444)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return run, err
		}
		if !auto {
			return run, fmt.Errorf("sequence %s: %w", run.SequenceID, domain.ErrSequenceTaken)
		}
		n, _ := strconv.Atoi(run.SequenceID)
		run.SequenceID = fmt.Sprintf("%03d", n+1)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return run, err
	}
	if err := fsutil.WriteFileOnce(s.runPath(run.ID), data, 0o644); err != nil {
		os.Remove(s.sequencePath(run.SequenceID))
		if errors.Is(err, fs.ErrExist) {
			return run, fmt.Errorf("run %s already exists", run.ID)
		}
		return run, err
	}
	return run, nil
}

// SaveRun replaces the stored run. The stored history must be a prefix of
// the new one.
func (s *Store) SaveRun(run domain.Run) error {
	if err := validID(run.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.readRun(run.ID)
	if err != nil {
		return err
	}
	if err := checkAppendOnly(prev.History, run.History); err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.runPath(run.ID), data, 0o644)
}

func checkAppendOnly(prev, next []domain.Transition) error {
	if len(next) < len(prev) {
		return fmt.Errorf("%w: history shrank from %d to %d", domain.ErrHistoryRewrite, len(prev), len(next))
	}
	for i := range prev {
		if !sameTransition(prev[i], next[i]) {
			return fmt.Errorf("%w: transition %d changed", domain.ErrHistoryRewrite, i+1)
		}
	}
	for i := len(prev); i < len(next); i++ {
		if next[i].Seq != i+1 {
			return fmt.Errorf("%w: transition %d has seq %d", domain.ErrHistoryRewrite, i+1, next[i].Seq)
		}
	}
	return nil
}

// sameTransition compares stored encodings, so a decoded transition equals
// the in-memory one it came from.
func sameTransition(a, b domain.Transition) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (s *Store) GetRun(id string) (domain.Run, error) {
	if err := validID(id); err != nil {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRun(id)
}

func (s *Store) readRun(id string) (domain.Run, error) {
	var run domain.Run
	if err := readJSON(s.runPath(id), &run); err != nil {
		return run, fmt.Errorf("run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns all runs ordered by sequence id.
func (s *Store) ListRuns() ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRuns()
}

func (s *Store) listRuns() ([]domain.Run, error) {
	var runs []domain.Run
	err := s.each("runs", func(path string) error {
		var run domain.Run
		if err := readJSON(path, &run); err != nil {
			return err
		}
		runs = append(runs, run)
		return nil
	})
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].SequenceID != runs[j].SequenceID {
			return runs[i].SequenceID < runs[j].SequenceID
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, err
}

// NextSequence returns the next zero-padded sequence id. CreateRun with an
// empty sequence allocates atomically; this is for display only.
func (s *Store) NextSequence() (string, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return "", err
	}
	return nextSequence(runs), nil
}

func nextSequence(runs []domain.Run) string {
	max := 0
	for _, r := range runs {
		if n, err := strconv.Atoi(r.SequenceID); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%03d", max+1)
}

// SaveEscalation writes a decided record once. Records are immutable.
func (s *Store) SaveEscalation(rec domain.EscalationRecord) error {
	if err := validID(rec.ID); err != nil {
		return err
	}
	if rec.Decision == "" {
		return fmt.Errorf("escalation %s has no decision", rec.ID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileOnce(s.escalationPath(rec.ID), data, 0o444); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("escalation %s: %w", rec.ID, domain.ErrImmutable)
		}
		return err
	}
	return nil
}

func (s *Store) GetEscalation(id string) (domain.EscalationRecord, error) {
	var rec domain.EscalationRecord
	if err := validID(id); err != nil {
		return rec, fmt.Errorf("escalation %s: %w", id, domain.ErrNotFound)
	}
	if err := readJSON(s.escalationPath(id), &rec); err != nil {
		return rec, fmt.Errorf("escalation %s: %w", id, err)
	}
	return rec, nil
}

// ListEscalations returns records ordered by decision time; runID filters when set.
func (s *Store) ListEscalations(runID string) ([]domain.EscalationRecord, error) {
	var out []domain.EscalationRecord
	err := s.each("escalations", func(path string) error {
		var rec domain.EscalationRecord
		if err := readJSON(path, &rec); err != nil {
			return err
		}
		if runID == "" || rec.RunID == runID {
			out = append(out, rec)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DecidedAt.Equal(out[j].DecidedAt) {
			return out[i].DecidedAt.Before(out[j].DecidedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *Store) each(sub string, fn func(path string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := fn(filepath.Join(s.dir, sub, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
