package engine

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"rolegate/internal/domain"
	"rolegate/internal/memory"
)

// checkPostconditions validates an outcome before anything is written.
// Every failure is a PostconditionViolatedError the role may fix on retry.
func (e Engine) checkPostconditions(run domain.Run, role domain.Role, out domain.Outcome, h *memory.Handle) error {
	fail := func(format string, args ...any) error {
		return domain.PostconditionViolatedError{Role: role.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if out.Kind != "" && out.Kind != role.Produces {
		return fail("produced %s, role produces %s", out.Kind, role.Produces)
	}
	expected, err := e.Artifacts.RelPath(run.SequenceID, run.Topic, role.Produces)
	if err != nil {
		return fail("artifact name: %v", err)
	}
	if out.ArtifactPath != "" && path.Clean(strings.ReplaceAll(out.ArtifactPath, `\`, "/")) != expected {
		return fail("artifact path %s does not match %s", out.ArtifactPath, expected)
	}
	if _, _, _, err := e.Artifacts.Resolve(expected); err != nil {
		return fail("artifact name: %v", err)
	}

	signal := out.Blocked != nil || out.Escalate != nil
	switch {
	case out.Status == "" && !signal:
		return fail("artifact status is required")
	case out.Status != "" && out.Status.Rank() < 0:
		return fail("unknown artifact status %q", out.Status)
	case out.Status != "" && !signal && !role.IsTerminal(out.Status):
		return fail("status %s is not terminal for %s", out.Status, role.ID)
	}

	if b := out.Blocked; b != nil {
		p, ok := e.Registry.ProducerOf(b.Kind)
		if !ok || p.ID == role.ID || !p.Invocable {
			return fail("blocked on %s which no upstream role produces", b.Kind)
		}
		if strings.TrimSpace(b.Reason) == "" {
			return fail("blocked signal needs a reason")
		}
	}
	if s := out.Escalate; s != nil {
		if strings.TrimSpace(s.Issue) == "" {
			return fail("escalation needs an issue")
		}
		if s.Against != "" && !e.Registry.Has(s.Against) {
			return fail("escalation against unknown role %s", s.Against)
		}
	}

	if r := out.Review; r != nil {
		if err := e.Auth.RequireReview(role.ID, r.Kind); err != nil {
			return fail("%v", err)
		}
		if r.Status != domain.StatusAccepted && r.Status != domain.StatusRejected {
			return fail("review verdict must be accepted or rejected, got %s", r.Status)
		}
		cur, err := e.Artifacts.Get(run.SequenceID, run.Topic, r.Kind)
		if errors.Is(err, domain.ErrNotFound) {
			return fail("no %s to review", r.Kind)
		}
		if err != nil {
			return err
		}
		if r.Status.Rank() <= cur.Status.Rank() {
			return fail("%s revision %d is already %s", r.Kind, cur.Revision, cur.Status)
		}
	}

	if out.Handoff != "" {
		if !role.CanHandoff(out.Handoff) || !e.Registry.Has(out.Handoff) {
			return fail("handoff %s -> %s is not registered", role.ID, out.Handoff)
		}
	} else if !signal && !rejects(role, out) && len(role.Handoffs) > 0 {
		return fail("a requested handoff is required")
	}

	if role.HasCapability(domain.CapGateTechnical) && out.Status == domain.StatusAccepted {
		if out.Verification == nil || len(out.Verification.Claimed) == 0 {
			return fail("an accepted QA report must list its claimed checks")
		}
		if u := out.Verification.Unverified(); len(u) > 0 {
			return fail("claims not cross-checked: %s", strings.Join(u, ", "))
		}
	}

	if (out.Consequential || role.RequiresRetrieval) && h.RetrieveCount() == 0 {
		return fail("memory must be retrieved before acting")
	}
	if role.HasCapability(domain.CapMemoryWrite) && !h.Summarized() {
		every := e.Config.Memory.SummaryTurns
		if out.Milestone || (every > 0 && run.TurnsSinceSummary+turnsOf(out) >= every) {
			return fail("a memory summary is due")
		}
	}

	docs, err := e.activeDocs(run, role)
	if err != nil {
		return err
	}
	return memory.CheckFlags(role.ID, out, h.Retrieved(), docs)
}

// rejects reports whether the outcome routes by verdict instead of handoff.
func rejects(role domain.Role, out domain.Outcome) bool {
	if out.Review != nil && out.Review.Status == domain.StatusRejected {
		return true
	}
	return verifier(role) && out.Status == domain.StatusRejected
}

func verifier(role domain.Role) bool {
	return role.HasCapability(domain.CapGateTechnical) || role.HasCapability(domain.CapGateValue)
}

// activeDocs are the artifacts that take precedence over memory for role.
func (e Engine) activeDocs(run domain.Run, role domain.Role) ([]domain.Artifact, error) {
	all, err := e.Artifacts.List(run.SequenceID, run.Topic)
	if err != nil {
		return nil, err
	}
	var out []domain.Artifact
	for _, a := range all {
		if a.Kind == role.Produces || a.Kind == domain.KindEscalation || a.Status == domain.StatusRejected {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
