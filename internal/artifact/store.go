package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"rolegate/internal/domain"
	"rolegate/internal/fsutil"
)

const historyDir = ".history"

// ErrStatusRegression reports a status move that is not monotonic.
var ErrStatusRegression = errors.New("artifact: status transition is not monotonic")

// Store manages artifact IO under the artifacts root, one directory per kind owner.
type Store struct {
	root    string
	dirs    map[domain.ArtifactKind]string
	now     func() time.Time
	mu      sync.Mutex
	writers map[string]domain.RoleID
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// NewStore builds a store rooted at root. dirs maps each kind to its owner's directory.
func NewStore(root string, dirs map[domain.ArtifactKind]string, opts ...StoreOption) *Store {
	s := &Store{
		root:    root,
		dirs:    make(map[domain.ArtifactKind]string, len(dirs)),
		now:     time.Now,
		writers: make(map[string]domain.RoleID),
	}
	for k, v := range dirs {
		s.dirs[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Root() string { return s.root }

// RelPath returns the artifact path relative to the store root.
func (s *Store) RelPath(sequence, topic string, kind domain.ArtifactKind) (string, error) {
	dir, ok := s.dirs[kind]
	if !ok {
		return "", fmt.Errorf("artifact: no directory for kind %s", kind)
	}
	return filepath.ToSlash(filepath.Join(dir, Name(sequence, topic, kind))), nil
}

// Resolve validates a relative artifact path against the naming convention
// and the directory that owns the kind.
func (s *Store) Resolve(rel string) (sequence, topic string, kind domain.ArtifactKind, err error) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	dir, name := filepath.Split(rel)
	sequence, topic, kind, err = ParseName(name)
	if err != nil {
		return "", "", "", err
	}
	if want := s.dirs[kind]; strings.TrimSuffix(dir, "/") != want {
		return "", "", "", fmt.Errorf("%w: %s belongs in %s/", ErrInvalidName, name, want)
	}
	return sequence, topic, kind, nil
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Get loads the current revision of an artifact.
func (s *Store) Get(sequence, topic string, kind domain.ArtifactKind) (domain.Artifact, error) {
	rel, err := s.RelPath(sequence, topic, kind)
	if err != nil {
		return domain.Artifact{}, err
	}
	return s.load(rel)
}

// GetPath loads the artifact at a relative path after validating its name.
func (s *Store) GetPath(rel string) (domain.Artifact, error) {
	seq, topic, kind, err := s.Resolve(rel)
	if err != nil {
		return domain.Artifact{}, err
	}
	return s.Get(seq, topic, kind)
}

func (s *Store) load(rel string) (domain.Artifact, error) {
	data, err := os.ReadFile(s.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Artifact{}, fmt.Errorf("artifact %s: %w", rel, domain.ErrNotFound)
		}
		return domain.Artifact{}, err
	}
	a, err := Parse(data)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("artifact %s: %w", rel, err)
	}
	a.Path = rel
	return a, nil
}

// PutRequest describes a new revision written by its producing role.
type PutRequest struct {
	RunID        string
	Sequence     string
	Topic        string
	Kind         domain.ArtifactKind
	Status       domain.ArtifactStatus
	Body         string
	Decisions    []string
	Rejected     []string
	Verification *domain.Verification
	Note         string
}

// Put writes a new revision. The previous revision is preserved under
// .history and never rewritten.
func (s *Store) Put(role domain.Role, req PutRequest) (domain.Artifact, error) {
	rel, err := s.RelPath(req.Sequence, req.Topic, req.Kind)
	if err != nil {
		return domain.Artifact{}, err
	}
	dir := s.dirs[req.Kind]
	if role.Produces != req.Kind || !role.CanWrite(dir) {
		return domain.Artifact{}, fmt.Errorf("%s may not write %s: %w", role.ID, rel, domain.ErrForbidden)
	}
	release, err := s.acquire(rel, role.ID)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer release()

	now := s.now().UTC()
	next := domain.Artifact{
		Path:          rel,
		RunID:         req.RunID,
		SequenceID:    req.Sequence,
		Topic:         req.Topic,
		Kind:          req.Kind,
		ProducingRole: role.ID,
		Status:        req.Status,
		Revision:      1,
		Decisions:     req.Decisions,
		Rejected:      req.Rejected,
		Verification:  req.Verification,
		Body:          req.Body,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	prev, err := s.load(rel)
	switch {
	case err == nil:
		if prev.RunID != "" && req.RunID != "" && prev.RunID != req.RunID {
			return domain.Artifact{}, fmt.Errorf("%s belongs to run %s: %w", rel, prev.RunID, domain.ErrForbidden)
		}
		if prev.ProducingRole != role.ID {
			return domain.Artifact{}, fmt.Errorf("%s owned by %s: %w", rel, prev.ProducingRole, domain.ErrForbidden)
		}
		if err := s.archive(rel, prev.Revision); err != nil {
			return domain.Artifact{}, err
		}
		next.Revision = prev.Revision + 1
		next.CreatedAt = prev.CreatedAt
		next.Changelog = append(next.Changelog, prev.Changelog...)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.Artifact{}, err
	}
	next.Changelog = append(next.Changelog, domain.ChangeEntry{
		Revision: next.Revision, At: now, Role: role.ID, Status: req.Status, Note: req.Note,
	})
	if err := s.write(rel, next); err != nil {
		return domain.Artifact{}, err
	}
	return next, nil
}

// SetStatus moves the current revision's status forward. Only the producer
// or a role that reviews the kind may call it.
func (s *Store) SetStatus(role domain.Role, sequence, topic string, kind domain.ArtifactKind, status domain.ArtifactStatus, note string) (domain.Artifact, error) {
	rel, err := s.RelPath(sequence, topic, kind)
	if err != nil {
		return domain.Artifact{}, err
	}
	release, err := s.acquire(rel, role.ID)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer release()
	cur, err := s.load(rel)
	if err != nil {
		return domain.Artifact{}, err
	}
	if cur.ProducingRole != role.ID && !role.CanReview(kind) {
		return domain.Artifact{}, fmt.Errorf("%s may not set status on %s: %w", role.ID, rel, domain.ErrForbidden)
	}
	if status.Rank() < 0 || status.Rank() <= cur.Status.Rank() {
		return domain.Artifact{}, fmt.Errorf("%w: %s %s -> %s", ErrStatusRegression, rel, cur.Status, status)
	}
	now := s.now().UTC()
	cur.Status = status
	cur.UpdatedAt = now
	cur.Changelog = append(cur.Changelog, domain.ChangeEntry{Revision: cur.Revision, At: now, Role: role.ID, Status: status, Note: note})
	if err := s.write(rel, cur); err != nil {
		return domain.Artifact{}, err
	}
	return cur, nil
}

// History returns every stored revision, oldest first, ending with the current one.
func (s *Store) History(sequence, topic string, kind domain.ArtifactKind) ([]domain.Artifact, error) {
	cur, err := s.Get(sequence, topic, kind)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Artifact, 0, cur.Revision)
	for rev := 1; rev < cur.Revision; rev++ {
		rel := s.historyRel(cur.Path, rev)
		a, err := s.load(rel)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return append(out, cur), nil
}

// List returns the current revision of every artifact of a run, ordered by kind.
func (s *Store) List(sequence, topic string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, kind := range domain.AllKinds {
		if _, ok := s.dirs[kind]; !ok {
			continue
		}
		a, err := s.Get(sequence, topic, kind)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Paths lists relative paths of every current artifact for a run.
func (s *Store) Paths(sequence, topic string) ([]string, error) {
	arts, err := s.List(sequence, topic)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.Path)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) acquire(rel string, role domain.RoleID) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, busy := s.writers[rel]; busy {
		return nil, fmt.Errorf("%s held by %s: %w", rel, holder, domain.ErrWriteConflict)
	}
	s.writers[rel] = role
	return func() {
		s.mu.Lock()
		delete(s.writers, rel)
		s.mu.Unlock()
	}, nil
}

func (s *Store) historyRel(rel string, revision int) string {
	dir, name := filepath.Split(rel)
	base := strings.TrimSuffix(name, ".md")
	return filepath.ToSlash(filepath.Join(dir, historyDir, base+".r"+strconv.Itoa(revision)+".md"))
}

func (s *Store) archive(rel string, revision int) error {
	data, err := os.ReadFile(s.abs(rel))
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileOnce(s.abs(s.historyRel(rel, revision)), data, 0o444); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("revision %d of %s: %w", revision, rel, domain.ErrImmutable)
		}
		return err
	}
	return nil
}

func (s *Store) write(rel string, a domain.Artifact) error {
	content, err := Render(a)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.abs(rel), content, 0o644)
}
