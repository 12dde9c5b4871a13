package arbiter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolegate/internal/artifact"
	"rolegate/internal/config"
	"rolegate/internal/db"
	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/migrate"
	"rolegate/internal/registry"
	"rolegate/internal/repo"
	"rolegate/internal/runstore"
)

type testEnv struct {
	arb   *Arbiter
	reg   *registry.Registry
	runs  *runstore.Store
	arts  *artifact.Store
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{StateDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	reg, err := registry.FromConfig(config.Default("demo"))
	require.NoError(t, err)

	env := &testEnv{reg: reg, runs: runstore.New(dir), clock: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	now := func() time.Time {
		env.clock = env.clock.Add(time.Minute)
		return env.clock
	}
	env.arts = artifact.NewStore(filepath.Join(dir, "artifacts"), reg.Directories(), artifact.WithClock(now))
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: now}
	env.arb = &Arbiter{
		Registry:  reg,
		Runs:      env.runs,
		Artifacts: env.arts,
		Patterns:  Detector{Repo: r, Events: w, Threshold: 3, Window: 24 * time.Hour, Now: now},
		Events:    w,
		MaxRisk:   domain.RiskHigh,
		Now:       now,
	}
	return env
}

func testRun(id string) domain.Run {
	return domain.Run{ID: id, SequenceID: "001", Topic: "login", Status: domain.RunEscalated}
}

func qaConflict() domain.EscalationRequest {
	return domain.EscalationRequest{
		Issue:            "QA rejected the implementation twice",
		Category:         domain.IssueVerificationFailed,
		ConflictingRoles: []domain.RoleID{"qa", "implementer"},
		Positions:        map[domain.RoleID]string{"qa": "tests fail", "implementer": "tests are flaky"},
		ProceedRole:      "uat",
		ReworkRole:       "implementer",
	}
}

func TestSelectOrdersByRiskThenStage(t *testing.T) {
	reg, err := registry.FromConfig(config.Default("demo"))
	require.NoError(t, err)
	options := []domain.Option{
		{Kind: domain.OptionDefer, Risk: domain.RiskMedium},
		{Kind: domain.OptionReplan, Risk: domain.RiskMedium, NextRole: "planner"},
		{Kind: domain.OptionRetry, Risk: domain.RiskMedium, NextRole: "implementer"},
		{Kind: domain.OptionProceed, Risk: domain.RiskHigh, NextRole: "uat"},
	}
	best, ok := Select(options, reg, domain.RiskHigh)
	require.True(t, ok)
	assert.Equal(t, domain.OptionRetry, best.Kind, "equal risk resolves toward the most advanced stage")

	_, ok = Select(options, reg, domain.RiskLow)
	assert.False(t, ok)
	_, ok = Select(nil, reg, domain.RiskCritical)
	assert.False(t, ok)
}

func TestEnumerateDropsUnregisteredNextRole(t *testing.T) {
	reg, err := registry.FromConfig(config.Default("demo"))
	require.NoError(t, err)
	req := qaConflict()
	req.ProceedRole = "ghost"
	req.ReworkRole = registry.ArbiterRole
	for _, o := range Enumerate(Input{Request: req, PlanRole: "planner", Pivot: "roadmap"}, reg) {
		assert.NotEqual(t, domain.OptionProceed, o.Kind)
		assert.NotEqual(t, domain.OptionRetry, o.Kind)
	}
}

func TestEnumerateSignals(t *testing.T) {
	reg, err := registry.FromConfig(config.Default("demo"))
	require.NoError(t, err)
	req := qaConflict()
	req.Category = domain.IssueRoleConflict
	req.Positions = map[domain.RoleID]string{"qa": "plan-flawed: acceptance criteria contradict", "implementer": "risk of data loss if shipped"}
	risks := map[domain.OptionKind]domain.RiskLevel{}
	for _, o := range Enumerate(Input{Request: req, PlanRole: "planner", Pivot: "roadmap", Flagged: true}, reg) {
		risks[o.Kind] = o.Risk
	}
	assert.Equal(t, domain.RiskLow, risks[domain.OptionReplan])
	assert.Equal(t, domain.RiskCritical, risks[domain.OptionProceed])
	assert.Equal(t, domain.RiskHigh, risks[domain.OptionRetry])
}

func TestPatternKeyIsOrderIndependent(t *testing.T) {
	a := PatternKey([]domain.RoleID{"qa", "implementer"}, domain.IssueVerificationFailed)
	b := PatternKey([]domain.RoleID{"implementer", "qa", "qa"}, domain.IssueVerificationFailed)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, PatternKey([]domain.RoleID{"implementer", "qa"}, domain.IssueRoleConflict))
}

func TestArbitrateWritesImmutableRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.arb.Arbitrate(ctx, testRun("r1"), qaConflict())
	require.NoError(t, err)
	rec := res.Record
	assert.Equal(t, domain.OptionRetry, rec.Decision)
	assert.Equal(t, domain.RoleID("implementer"), rec.NextRole)
	assert.NotEmpty(t, rec.Rationale)
	assert.Nil(t, res.Flag)

	stored, err := env.runs.GetEscalation(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Decision, stored.Decision)
	assert.ErrorIs(t, env.runs.SaveEscalation(stored), domain.ErrImmutable)

	art, err := env.arts.GetPath(rec.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "escalations/001-login-escalation.md", art.Path)
	assert.Equal(t, domain.StatusDecided, art.Status)
	assert.Contains(t, art.Body, "QA rejected the implementation twice")
}

func TestRecurringEscalationFlaggedOnThirdOccurrence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var last Result
	for i, id := range []string{"r1", "r2", "r3"} {
		run := testRun(id)
		run.SequenceID = []string{"001", "002", "003"}[i]
		res, err := env.arb.Arbitrate(ctx, run, qaConflict())
		require.NoError(t, err)
		if i < 2 {
			assert.Nil(t, res.Flag, "occurrence %d must not flag", i+1)
			assert.Equal(t, domain.OptionRetry, res.Record.Decision)
		}
		last = res
	}
	require.NotNil(t, last.Flag)
	assert.Equal(t, 3, last.Flag.Occurrences)
	assert.Equal(t, []string{"r1", "r2", "r3"}, last.Flag.RunIDs)
	assert.Equal(t, domain.OptionReplan, last.Record.Decision, "a flagged pattern stops automatic retries")

	pending, err := env.arb.Patterns.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, env.arb.Patterns.Acknowledge(ctx, []string{pending[0].ID}, "retro-run"))
	pending, err = env.arb.Patterns.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeadlockWritesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.arb.MaxRisk = domain.RiskLow
	_, err := env.arb.Arbitrate(context.Background(), testRun("r1"), qaConflict())
	var dl domain.ArbitrationDeadlockError
	require.True(t, errors.As(err, &dl))
	assert.True(t, domain.IsDeadlock(err))
	assert.NotEmpty(t, dl.Options)
	recs, err := env.runs.ListEscalations("r1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestResolveFailsClosedOnUnknownRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := testRun("r1")
	req := qaConflict()
	run.Pending = &req

	_, err := env.arb.Resolve(ctx, run, ResolveRequest{Decision: domain.OptionProceed, NextRole: "ghost", DecidedBy: "ops"})
	assert.ErrorIs(t, err, domain.ErrUnknownRole)
	_, err = env.arb.Resolve(ctx, run, ResolveRequest{Decision: domain.OptionProceed, NextRole: registry.ArbiterRole})
	assert.ErrorIs(t, err, domain.ErrUnknownRole)

	rec, err := env.arb.Resolve(ctx, run, ResolveRequest{Decision: domain.OptionProceed, Rationale: "accepted risk", DecidedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleID("uat"), rec.NextRole)
	assert.Equal(t, "ops", rec.DecidedBy)

	_, err = env.arb.Resolve(ctx, testRun("r2"), ResolveRequest{Decision: domain.OptionCancel})
	assert.ErrorIs(t, err, ErrNoPendingEscalation)
}
