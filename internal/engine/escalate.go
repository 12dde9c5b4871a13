package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rolegate/internal/arbiter"
	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/registry"
)

// EscalateRequest is an operator-raised escalation of an active or blocked run.
type EscalateRequest struct {
	Issue     string                   `json:"issue"`
	Against   domain.RoleID            `json:"against,omitempty"`
	Positions map[domain.RoleID]string `json:"positions,omitempty"`
	By        string                   `json:"by,omitempty"`
}

// Escalate hands a run to the arbiter outside the normal routing. A blocked
// run is escalated as an unsatisfiable pre-condition on its first missing
// artifact.
func (e Engine) Escalate(ctx context.Context, id string, req EscalateRequest) (TransitionResult, error) {
	if strings.TrimSpace(req.Issue) == "" {
		return TransitionResult{}, errors.New("issue is required")
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	defer unlock()
	run, err := e.Runs.GetRun(id)
	if err != nil {
		return TransitionResult{}, err
	}
	if run.Status != domain.RunActive && run.Status != domain.RunBlocked {
		return TransitionResult{Run: run}, fmt.Errorf("run %s is %s: %w", id, run.Status, domain.ErrRunNotActive)
	}
	if req.Against != "" && !e.Registry.Has(req.Against) {
		return TransitionResult{Run: run}, fmt.Errorf("escalate against %s: %w", req.Against, domain.ErrUnknownRole)
	}
	role := run.CurrentRole
	positions := req.Positions
	if positions == nil {
		positions = map[domain.RoleID]string{}
	}
	pending := &domain.EscalationRequest{
		Issue:            req.Issue,
		Category:         domain.IssueManual,
		ConflictingRoles: []domain.RoleID{role},
		Positions:        positions,
		ProceedRole:      role,
		ReworkRole:       req.Against,
		RaisedBy:         domain.RoleID(orDefault(req.By, "operator")),
		RaisedAt:         e.now(),
	}
	if req.Against != "" {
		pending.ConflictingRoles = append(pending.ConflictingRoles, req.Against)
	}
	if run.Status == domain.RunBlocked {
		for _, m := range run.Blocked {
			if m.Kind == "" {
				continue
			}
			if p, ok := e.Registry.ProducerOf(m.Kind); ok {
				pending.Category = domain.IssuePrecondition
				pending.ContestedKind = m.Kind
				if pending.ReworkRole == "" {
					pending.ReworkRole = p.ID
					pending.ConflictingRoles = append(pending.ConflictingRoles, p.ID)
				}
				break
			}
		}
	}
	tr := domain.Transition{
		Seq:     len(run.History) + 1,
		From:    role,
		To:      registry.ArbiterRole,
		Trigger: domain.TriggerEscalate,
		At:      pending.RaisedAt,
		Note:    req.Issue,
	}
	run.History = append(run.History, tr)
	run.Status = domain.RunEscalated
	run.Blocked = nil
	run.Pending = pending
	run.UpdatedAt = pending.RaisedAt
	if err := e.commit(ctx, run, tr); err != nil {
		return TransitionResult{Run: run}, err
	}
	return e.arbitrate(ctx, run, tr)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// arbitrate asks the arbiter to decide the pending escalation and applies it.
// On deadlock the run stays Escalated with its request pending.
func (e Engine) arbitrate(ctx context.Context, run domain.Run, tr domain.Transition) (TransitionResult, error) {
	if err := e.Events.Append(ctx, nil, events.Event{
		Type: events.RunEscalated, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(tr.From),
		Payload: events.EventPayload{"issue": run.Pending.Issue, "category": run.Pending.Category, "roles": run.Pending.ConflictingRoles},
	}); err != nil {
		return TransitionResult{Run: run}, err
	}
	e.log().Info("run escalated", zap.String("run_id", run.ID), zap.String("category", string(run.Pending.Category)),
		zap.String("issue", run.Pending.Issue))
	res, err := e.Arbiter.Arbitrate(ctx, run, *run.Pending)
	out := TransitionResult{Kind: ResultEscalated, Run: run, Transition: &tr, Flag: res.Flag}
	if err != nil {
		out.Reason = err.Error()
		return out, err
	}
	return e.decide(ctx, run, res.Record, res.Flag)
}

// Resolve applies an operator decision to a run held at Escalated.
func (e Engine) Resolve(ctx context.Context, id string, rr arbiter.ResolveRequest) (TransitionResult, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	defer unlock()
	run, err := e.Runs.GetRun(id)
	if err != nil {
		return TransitionResult{}, err
	}
	if run.Status != domain.RunEscalated || run.Pending == nil {
		return TransitionResult{Run: run}, fmt.Errorf("run %s is %s: %w", id, run.Status, arbiter.ErrNoPendingEscalation)
	}
	rec, err := e.Arbiter.Resolve(ctx, run, rr)
	if err != nil {
		return TransitionResult{Run: run}, err
	}
	return e.decide(ctx, run, rec, nil)
}

// decide applies a binding record to the run and persists it.
func (e Engine) decide(ctx context.Context, run domain.Run, rec domain.EscalationRecord, flag *domain.SystemicPatternFlag) (TransitionResult, error) {
	req := run.Pending
	run.Escalations = append(run.Escalations, rec.ID)
	if req != nil && req.RevisionKey != "" && rec.Decision != domain.OptionDefer {
		run.Revisions = copyRevisions(run.Revisions)
		delete(run.Revisions, req.RevisionKey)
	}
	now := e.now()
	run.UpdatedAt = now
	res := TransitionResult{Kind: ResultEscalated, Escalation: &rec, Flag: flag}
	if rec.Decision == domain.OptionDefer {
		if err := e.Runs.SaveRun(run); err != nil {
			return TransitionResult{Run: run}, err
		}
		res.Run = run
		res.Reason = "deferred to operator"
		return res, nil
	}
	tr := domain.Transition{
		Seq:          len(run.History) + 1,
		From:         registry.ArbiterRole,
		To:           rec.NextRole,
		Trigger:      domain.TriggerAccept,
		At:           now,
		ArtifactRefs: []string{rec.ArtifactPath},
		Note:         string(rec.Decision) + ": " + rec.Rationale,
	}
	if rec.Decision == domain.OptionCancel {
		tr.Trigger = domain.TriggerReject
		run.Status = domain.RunAborted
		res.Kind = ResultAborted
	} else {
		run.Status = domain.RunActive
		if rec.Decision == domain.OptionProceed && req != nil && req.ContestedKind != "" && !run.Waived(req.ContestedKind, rec.NextRole) {
			run.Waivers = append(run.Waivers, domain.Waiver{Kind: req.ContestedKind, Role: rec.NextRole, EscalationID: rec.ID})
		}
		e.enter(&run, rec.NextRole)
	}
	run.Pending = nil
	run.History = append(run.History, tr)
	if err := e.commit(ctx, run, tr); err != nil {
		return TransitionResult{Run: run}, err
	}
	if run.Status == domain.RunAborted {
		if err := e.Events.Append(ctx, nil, events.Event{
			Type: events.RunAborted, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: rec.DecidedBy,
			Payload: events.EventPayload{"reason": rec.Rationale, "escalation_id": rec.ID},
		}); err != nil {
			return TransitionResult{Run: run}, err
		}
	}
	res.Run = run
	res.Transition = &tr
	return res, nil
}
