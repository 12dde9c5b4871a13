package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"rolegate/internal/arbiter"
	"rolegate/internal/artifact"
	"rolegate/internal/config"
	"rolegate/internal/domain"
	"rolegate/internal/engine/auth"
	"rolegate/internal/events"
	"rolegate/internal/gate"
	"rolegate/internal/logging"
	"rolegate/internal/memory"
	"rolegate/internal/metrics"
	"rolegate/internal/registry"
	"rolegate/internal/repo"
	"rolegate/internal/runstore"
)

// Engine owns every run. Runs are mutated only through validated transitions.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Registry  *registry.Registry
	Auth      auth.Service
	Runs      *runstore.Store
	Artifacts *artifact.Store
	Memory    *memory.SQLStore
	Compactor memory.Compactor
	Gates     gate.Coordinator
	Arbiter   *arbiter.Arbiter
	Handlers  map[domain.RoleID]Handler
	Default   Handler
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	locks *runLocks
}

type Options struct {
	Workspace string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// VectorDB overrides the persistent index under the state directory.
	VectorDB *chromem.DB
	Now      func() time.Time
}

// New wires the engine from a migrated database and a validated config.
func New(ctx context.Context, db *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return Engine{}, fmt.Errorf("role registry: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := logging.OrNop(opts.Logger)
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db, Now: now}
	vdb := opts.VectorDB
	if vdb == nil {
		vdb, err = chromem.NewPersistentDB(filepath.Join(cfg.StateDir(opts.Workspace), "vectors"), cfg.Memory.Compress)
		if err != nil {
			return Engine{}, fmt.Errorf("open vector index: %w", err)
		}
	}
	mem, err := memory.NewSQLStore(ctx, memory.SQLStoreOptions{
		Repo: r, Events: w, VectorDB: vdb, VectorSize: cfg.Memory.VectorSize, Logger: log.Named("memory"), Now: now,
	})
	if err != nil {
		return Engine{}, err
	}
	runs := runstore.New(cfg.StateDir(opts.Workspace))
	arts := artifact.NewStore(cfg.ArtifactsDir(opts.Workspace), reg.Directories(), artifact.WithClock(now))
	authz := auth.Service{Registry: reg}
	e := Engine{
		DB:        db,
		Repo:      r,
		Events:    w,
		Config:    cfg,
		Registry:  reg,
		Auth:      authz,
		Runs:      runs,
		Artifacts: arts,
		Memory:    mem,
		Compactor: memory.Compactor{Store: mem, Logger: log.Named("compactor"), Metrics: opts.Metrics, MaxContextChars: cfg.Memory.SummaryMaxChars},
		Gates:     gate.Coordinator{Auth: authz, Now: now},
		Arbiter: &arbiter.Arbiter{
			Registry:  reg,
			Runs:      runs,
			Artifacts: arts,
			Patterns: arbiter.Detector{
				Repo: r, Events: w, Threshold: cfg.Policy.PatternThreshold, Window: cfg.Policy.PatternWindow, Now: now,
			},
			Events:  w,
			MaxRisk: domain.RiskLevel(cfg.Policy.MaxAcceptableRisk),
			Logger:  log.Named("arbiter"),
			Metrics: opts.Metrics,
			Now:     now,
		},
		Handlers: map[domain.RoleID]Handler{},
		Logger:   log,
		Metrics:  opts.Metrics,
		Now:      now,
		locks:    newRunLocks(),
	}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger { return logging.OrNop(e.Logger) }

func (e Engine) lock(ctx context.Context, runID string) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}
	return e.locks.acquire(ctx, runID)
}

// StartOptions are parameters for creating a run.
type StartOptions struct {
	Title    string
	Topic    string
	Sequence string
	Entry    domain.RoleID
}

// Start creates an Active run at the entry role.
func (e Engine) Start(ctx context.Context, opts StartOptions) (domain.Run, error) {
	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		if strings.TrimSpace(opts.Title) == "" {
			return domain.Run{}, errors.New("title or topic is required")
		}
		topic = artifact.Slugify(opts.Title)
	}
	if err := artifact.ValidateTopic(topic); err != nil {
		return domain.Run{}, err
	}
	seq := opts.Sequence
	if seq != "" {
		if err := artifact.ValidateSequence(seq); err != nil {
			return domain.Run{}, err
		}
	}
	entry := opts.Entry
	if entry == "" {
		entry = e.Registry.Entry()
	}
	if !e.Registry.Has(entry) {
		return domain.Run{}, fmt.Errorf("entry role %s: %w", entry, domain.ErrUnknownRole)
	}
	now := e.now()
	run := domain.Run{
		ID:          uuid.NewString(),
		SequenceID:  seq,
		Topic:       topic,
		Title:       opts.Title,
		EntryRole:   entry,
		CurrentRole: entry,
		Status:      domain.RunActive,
		History:     []domain.Transition{},
		Gates:       domain.GateState{Technical: domain.TechUnset, Value: domain.ValueUnset},
		Revisions:   map[string]int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	run, err := e.Runs.CreateRun(run)
	if err != nil {
		return domain.Run{}, err
	}
	seq = run.SequenceID
	if err := e.Events.Append(ctx, nil, events.Event{
		Type: events.RunStarted, RunID: run.ID, EntityKind: "run", EntityID: run.ID,
		Payload: events.EventPayload{"sequence": seq, "topic": topic, "entry_role": entry},
	}); err != nil {
		return run, err
	}
	e.log().Info("run started", zap.String("run_id", run.ID), zap.String("sequence", seq), zap.String("topic", topic))
	return run, nil
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return e.Runs.GetRun(id)
}

func (e Engine) ListRuns(ctx context.Context) ([]domain.Run, error) {
	return e.Runs.ListRuns()
}

// Abort stops a run at the next pre-condition boundary. It waits for an
// in-flight invocation of the same run to finish first.
func (e Engine) Abort(ctx context.Context, id, reason string) (domain.Run, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	defer unlock()
	run, err := e.Runs.GetRun(id)
	if err != nil {
		return run, err
	}
	switch run.Status {
	case domain.RunComplete, domain.RunAborted:
		return run, fmt.Errorf("run %s is %s: %w", id, run.Status, domain.ErrRunNotActive)
	}
	run.Status = domain.RunAborted
	run.UpdatedAt = e.now()
	if err := e.Runs.SaveRun(run); err != nil {
		return run, err
	}
	e.log().Info("run aborted", zap.String("run_id", id), zap.String("reason", reason))
	return run, e.Events.Append(ctx, nil, events.Event{
		Type: events.RunAborted, RunID: id, EntityKind: "run", EntityID: id, ActorID: "operator",
		Payload: events.EventPayload{"reason": reason, "role": run.CurrentRole},
	})
}

// GateUpdate is an explicit gate write by a verification role.
type GateUpdate struct {
	By        domain.RoleID
	Technical domain.TechnicalGate
	Value     domain.ValueGate
}

// SetGates applies a gate write through the coordinator. Out-of-order writes
// fail with a ContractViolationError and leave the run untouched.
func (e Engine) SetGates(ctx context.Context, id string, u GateUpdate) (domain.Run, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	defer unlock()
	run, err := e.Runs.GetRun(id)
	if err != nil {
		return run, err
	}
	orig := run
	if u.Technical != "" {
		if err := e.Gates.SetTechnical(&run, u.By, u.Technical); err != nil {
			return orig, e.violation(ctx, orig, err)
		}
	}
	if u.Value != "" {
		if err := e.Gates.SetValue(&run, u.By, u.Value); err != nil {
			return orig, e.violation(ctx, orig, err)
		}
	}
	run.UpdatedAt = e.now()
	if err := e.Runs.SaveRun(run); err != nil {
		return run, err
	}
	return run, e.gateEvent(ctx, run, u.By)
}

func (e Engine) gateEvent(ctx context.Context, run domain.Run, by domain.RoleID) error {
	return e.Events.Append(ctx, nil, events.Event{
		Type: events.GateUpdated, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(by),
		Payload: events.EventPayload{"technical": run.Gates.Technical, "value": run.Gates.Value, "locked": run.Gates.Locked},
	})
}

// violation logs and counts a contract violation, then returns it unchanged.
func (e Engine) violation(ctx context.Context, run domain.Run, err error) error {
	var cv domain.ContractViolationError
	if !errors.As(err, &cv) {
		return err
	}
	e.Metrics.ContractViolation(cv.Rule)
	e.log().Warn("contract violation", zap.String("run_id", run.ID), zap.String("role", string(cv.Role)),
		zap.String("rule", cv.Rule), zap.String("detail", cv.Detail))
	typ := events.ContractViolated
	if strings.HasPrefix(cv.Rule, "memory.") {
		typ = events.MemoryViolation
	}
	if evErr := e.Events.Append(ctx, nil, events.Event{
		Type: typ, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(cv.Role),
		Payload: events.EventPayload{"rule": cv.Rule, "detail": cv.Detail},
	}); evErr != nil {
		e.log().Error("append violation event", zap.Error(evErr))
	}
	return err
}

// ReleaseReady reports whether both gates of a run are passed.
func (e Engine) ReleaseReady(ctx context.Context, id string) (bool, domain.GateState, error) {
	run, err := e.Runs.GetRun(id)
	if err != nil {
		return false, domain.GateState{}, err
	}
	return gate.IsReleaseReady(run.Gates), run.Gates, nil
}

// Compact runs one memory compaction pass.
func (e Engine) Compact(ctx context.Context) (memory.Report, error) {
	return e.Compactor.Run(ctx)
}

// SearchMemory ranks active memory outside any role invocation.
func (e Engine) SearchMemory(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = e.Config.Memory.DefaultResults
	}
	if limit > e.Config.Memory.MaxResults {
		limit = e.Config.Memory.MaxResults
	}
	return e.Memory.Search(ctx, query, limit)
}

// PatternFlags lists systemic pattern flags, newest first.
func (e Engine) PatternFlags(ctx context.Context, pendingOnly bool) ([]domain.SystemicPatternFlag, error) {
	return e.Repo.ListPatternFlags(ctx, repo.PatternFilter{Unacknowledged: pendingOnly})
}

func (e Engine) handlerFor(role domain.RoleID, override Handler) (Handler, error) {
	if override != nil {
		return override, nil
	}
	if h, ok := e.Handlers[role]; ok && h != nil {
		return h, nil
	}
	if e.Default != nil {
		return e.Default, nil
	}
	return nil, fmt.Errorf("no handler configured for role %s", role)
}
