package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolegate/internal/domain"
)

var testDirs = map[domain.ArtifactKind]string{
	domain.KindPlan:     "planning",
	domain.KindCritique: "critiques",
	domain.KindQAReport: "qa",
}

var (
	planner = domain.Role{ID: "planner", Directory: "planning", PermittedDirectories: []string{"planning"}, Produces: domain.KindPlan}
	critic  = domain.Role{ID: "critic", Directory: "critiques", PermittedDirectories: []string{"critiques"}, Produces: domain.KindCritique, Reviews: []domain.ArtifactKind{domain.KindPlan}}
	qa      = domain.Role{ID: "qa", Directory: "qa", PermittedDirectories: []string{"qa"}, Produces: domain.KindQAReport}
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestNameRoundTrip(t *testing.T) {
	cases := []struct {
		seq, topic string
		kind       domain.ArtifactKind
		want       string
	}{
		{"001", "login-flow", domain.KindPlan, "001-login-flow.md"},
		{"001", "login-flow", domain.KindQAReport, "001-login-flow-qa.md"},
		{"012", "cache", domain.KindValueReport, "012-cache-uat.md"},
		{"003", "x", domain.KindEscalation, "003-x-escalation.md"},
	}
	for _, tc := range cases {
		name := Name(tc.seq, tc.topic, tc.kind)
		assert.Equal(t, tc.want, name)
		seq, topic, kind, err := ParseName(name)
		require.NoError(t, err)
		assert.Equal(t, tc.seq, seq)
		assert.Equal(t, tc.topic, topic)
		assert.Equal(t, tc.kind, kind)
	}
}

func TestParseNameRejects(t *testing.T) {
	for _, name := range []string{"plan.md", "1-x.md", "001-X.md", "001-x.txt", "001--qa.md", "001-a--b.md", "001-qa.md"} {
		_, _, _, err := ParseName(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "add-oauth-login", Slugify("Add OAuth login!"))
	assert.Equal(t, "work", Slugify("!!!"))
	assert.Equal(t, "ship-qa-work", Slugify("Ship QA"))
	assert.NoError(t, ValidateTopic(Slugify("Release the uat")))
}

func TestRoleSuffixesAreReserved(t *testing.T) {
	for _, topic := range []string{"pricing-strategy", "api-architecture", "v2-release", "strategy"} {
		assert.Error(t, ValidateTopic(topic), topic)
	}
	assert.Equal(t, "api-architecture-work", Slugify("API architecture"))
	assert.NoError(t, ValidateTopic("release-notes"))
}

func TestPutRevisionsAndHistory(t *testing.T) {
	s := NewStore(t.TempDir(), testDirs, WithClock(fixedClock()))
	req := PutRequest{RunID: "r1", Sequence: "001", Topic: "login", Kind: domain.KindPlan, Status: domain.StatusDraft, Body: "v1"}
	a1, err := s.Put(planner, req)
	require.NoError(t, err)
	assert.Equal(t, 1, a1.Revision)
	assert.Equal(t, "planning/001-login.md", a1.Path)

	req.Body = "v2"
	a2, err := s.Put(planner, req)
	require.NoError(t, err)
	assert.Equal(t, 2, a2.Revision)
	assert.Len(t, a2.Changelog, 2)
	assert.Equal(t, a1.CreatedAt, a2.CreatedAt)

	hist, err := s.History("001", "login", domain.KindPlan)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "v1", hist[0].Body)
	assert.Equal(t, "v2", hist[1].Body)

	_, err = os.Stat(filepath.Join(s.Root(), "planning", ".history", "001-login.r1.md"))
	assert.NoError(t, err)
}

func TestPutPermissions(t *testing.T) {
	s := NewStore(t.TempDir(), testDirs)
	_, err := s.Put(critic, PutRequest{RunID: "r", Sequence: "001", Topic: "t", Kind: domain.KindPlan, Status: domain.StatusDraft})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestPutRefusesAnotherRunsArtifact(t *testing.T) {
	s := NewStore(t.TempDir(), testDirs)
	_, err := s.Put(planner, PutRequest{RunID: "run-a", Sequence: "007", Topic: "login", Kind: domain.KindPlan, Status: domain.StatusDraft, Body: "a"})
	require.NoError(t, err)

	_, err = s.Put(planner, PutRequest{RunID: "run-b", Sequence: "007", Topic: "login", Kind: domain.KindPlan, Status: domain.StatusDraft, Body: "b"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	cur, err := s.Get("007", "login", domain.KindPlan)
	require.NoError(t, err)
	assert.Equal(t, "run-a", cur.RunID)
	assert.Equal(t, 1, cur.Revision)
	assert.Equal(t, "a", cur.Body)
}

func TestSetStatusMonotonicAndReviewer(t *testing.T) {
	s := NewStore(t.TempDir(), testDirs)
	_, err := s.Put(planner, PutRequest{RunID: "r", Sequence: "001", Topic: "t", Kind: domain.KindPlan, Status: domain.StatusDraft})
	require.NoError(t, err)

	_, err = s.SetStatus(qa, "001", "t", domain.KindPlan, domain.StatusAccepted, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	a, err := s.SetStatus(critic, "001", "t", domain.KindPlan, domain.StatusAccepted, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, a.Status)
	assert.Equal(t, 1, a.Revision)

	_, err = s.SetStatus(critic, "001", "t", domain.KindPlan, domain.StatusRejected, "")
	assert.ErrorIs(t, err, ErrStatusRegression, "terminal outcomes are mutually exclusive within a revision")
	_, err = s.SetStatus(planner, "001", "t", domain.KindPlan, domain.StatusDraft, "")
	assert.ErrorIs(t, err, ErrStatusRegression)
}

func TestSingleWriter(t *testing.T) {
	s := NewStore(t.TempDir(), testDirs)
	rel, err := s.RelPath("001", "t", domain.KindPlan)
	require.NoError(t, err)
	release, err := s.acquire(rel, "planner")
	require.NoError(t, err)
	_, err = s.Put(planner, PutRequest{RunID: "r", Sequence: "001", Topic: "t", Kind: domain.KindPlan, Status: domain.StatusDraft})
	assert.ErrorIs(t, err, domain.ErrWriteConflict)
	release()
	_, err = s.Put(planner, PutRequest{RunID: "r", Sequence: "001", Topic: "t", Kind: domain.KindPlan, Status: domain.StatusDraft})
	assert.NoError(t, err)
}

func TestResolveChecksDirectory(t *testing.T) {
	s := NewStore(t.TempDir(), testDirs)
	_, _, kind, err := s.Resolve("qa/001-t-qa.md")
	require.NoError(t, err)
	assert.Equal(t, domain.KindQAReport, kind)
	_, _, _, err = s.Resolve("planning/001-t-qa.md")
	assert.True(t, errors.Is(err, ErrInvalidName))
}

func TestFrontMatterRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("no fences"))
	assert.ErrorIs(t, err, ErrMissingFrontMatter)
	_, err = Parse([]byte("---\nrolegate: {}\n"))
	assert.ErrorIs(t, err, ErrMalformedFrontMatter)
}

func TestRevisionStrictlyIncreasesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("each write bumps revision by one and keeps prior bodies", prop.ForAll(
		func(bodies []string) bool {
			s := NewStore(t.TempDir(), testDirs)
			for i, body := range bodies {
				a, err := s.Put(planner, PutRequest{RunID: "r", Sequence: "001", Topic: "p", Kind: domain.KindPlan, Status: domain.StatusDraft, Body: body})
				if err != nil || a.Revision != i+1 {
					return false
				}
			}
			hist, err := s.History("001", "p", domain.KindPlan)
			if err != nil || len(hist) != len(bodies) {
				return false
			}
			for i, a := range hist {
				if a.Body != bodies[i] || a.Revision != i+1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}
