package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolegate/internal/config"
	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/memory"
)

type fakeMemory struct {
	queries   []memory.Query
	summaries []domain.MemoryEntry
	results   []domain.MemoryEntry
	failOn    int
}

func (f *fakeMemory) Retrieve(_ context.Context, q memory.Query) ([]domain.MemoryEntry, error) {
	f.queries = append(f.queries, q)
	if f.failOn > 0 && len(f.queries) == f.failOn {
		return nil, domain.ContractViolationError{Rule: memory.RuleRetrieveCap}
	}
	return f.results, nil
}

func (f *fakeMemory) StoreSummary(_ context.Context, e domain.MemoryEntry) (domain.MemoryEntry, error) {
	f.summaries = append(f.summaries, e)
	e.ID = "s1"
	return e, nil
}

func invocation(mem engine.Memory) engine.Invocation {
	return engine.Invocation{
		RunID:  "r1",
		Run:    domain.Run{ID: "r1", SequenceID: "001", Topic: "login"},
		Role:   domain.Role{ID: "planner", Produces: domain.KindPlan},
		Memory: mem,
	}
}

func TestScriptReplaysQueriesThenSummary(t *testing.T) {
	s, err := Decode(strings.NewReader(`{
		"queries": [{"query": "login"}, {"query": "login", "follow_up": "which provider?"}],
		"summary": {"goal": "ship", "context_text": "ctx", "decisions": ["jwt"]},
		"outcome": {"artifact_status": "draft", "requested_handoff": "critic"}
	}`))
	require.NoError(t, err)
	mem := &fakeMemory{}
	out, err := s.Invoke(context.Background(), invocation(mem))
	require.NoError(t, err)
	assert.Equal(t, domain.KindPlan, out.Kind)
	assert.Equal(t, domain.RoleID("critic"), out.Handoff)
	require.Len(t, mem.queries, 2)
	assert.Equal(t, "which provider?", mem.queries[1].FollowUp)
	require.Len(t, mem.summaries, 1)
}

func TestScriptStopsOnMemoryViolation(t *testing.T) {
	s := Script{Queries: []memory.Query{{Text: "a"}, {Text: "b"}, {Text: "c"}}}
	mem := &fakeMemory{failOn: 2}
	_, err := s.Invoke(context.Background(), invocation(mem))
	require.True(t, domain.IsContractViolation(err))
	assert.Len(t, mem.queries, 2)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"outcome": {}, "extra": 1}`))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcome.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"outcome":{"artifact_status":"complete"}}`), 0o644))
	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, s.Outcome.Status)
}

const twoPhase = `input=$(cat)
case "$input" in
*'"phase":"retrieve"'*) echo '{"queries":[{"query":"login"}]}' ;;
*'"m1"'*) echo '{"outcome":{"artifact_status":"draft","requested_handoff":"critic","body":"plan"}}' ;;
*) echo 'no memory results' >&2; exit 3 ;;
esac
`

func TestExecRetrievesBeforeProducing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	mem := &fakeMemory{results: []domain.MemoryEntry{{ID: "m1", Topic: "login"}}}
	x := Exec{Command: []string{"sh", "-c", twoPhase}}
	out, err := x.Invoke(context.Background(), invocation(mem))
	require.NoError(t, err)
	assert.Equal(t, "plan", out.Body)
	require.Len(t, mem.queries, 1)
	assert.Equal(t, "login", mem.queries[0].Text)
}

func TestExecReportsProcessFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	x := Exec{Command: []string{"sh", "-c", twoPhase}}
	_, err := x.Invoke(context.Background(), invocation(&fakeMemory{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no memory results")
	var cv domain.ContractViolationError
	assert.False(t, errors.As(err, &cv))
}

func TestFromConfigOnlyWiresConfiguredRoles(t *testing.T) {
	cfg := config.Default("p")
	cfg.Roles[0].Exec = []string{"echo"}
	hs := FromConfig(cfg, t.TempDir(), nil)
	require.Len(t, hs, 1)
	_, ok := hs[domain.RoleID(cfg.Roles[0].ID)]
	assert.True(t, ok)
}
