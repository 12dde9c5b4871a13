package engine

import (
	"fmt"

	"rolegate/internal/domain"
)

type nextStep struct {
	to       domain.RoleID
	trigger  domain.Trigger
	complete bool
	escalate *domain.EscalationRequest
	note     string
}

// route picks the next role for an accepted outcome. Rejections loop back
// to the producer of the rejected kind until the revision budget is spent
// and then escalate. It updates run.Revisions.
func (e Engine) route(run *domain.Run, role domain.Role, out domain.Outcome) nextStep {
	if run.Revisions == nil {
		run.Revisions = map[string]int{}
	}
	loops := e.Config.Policy.RevisionLoops

	if s := out.Escalate; s != nil {
		positions := map[domain.RoleID]string{role.ID: s.Position}
		roles := []domain.RoleID{role.ID}
		if s.Against != "" {
			positions[s.Against] = s.Opposing
			roles = append(roles, s.Against)
		}
		return nextStep{note: s.Issue, escalate: &domain.EscalationRequest{
			Issue:            s.Issue,
			Category:         domain.IssueRoleConflict,
			ConflictingRoles: roles,
			Positions:        positions,
			ProceedRole:      e.forward(role, out.Handoff),
			ReworkRole:       s.Against,
			RaisedBy:         role.ID,
		}}
	}

	if b := out.Blocked; b != nil {
		producer, _ := e.Registry.ProducerOf(b.Kind)
		key := fmt.Sprintf("blocked:%s:%s", role.ID, b.Kind)
		if run.Revisions[key] < loops {
			run.Revisions[key]++
			return nextStep{to: producer.ID, trigger: domain.TriggerRequestRevision, note: b.Reason}
		}
		return nextStep{note: b.Reason, escalate: &domain.EscalationRequest{
			Issue:            fmt.Sprintf("%s cannot proceed with %s: %s", role.ID, b.Kind, b.Reason),
			Category:         domain.IssuePrecondition,
			ConflictingRoles: []domain.RoleID{role.ID, producer.ID},
			Positions:        map[domain.RoleID]string{role.ID: b.Reason},
			ProceedRole:      role.ID,
			ReworkRole:       producer.ID,
			ContestedKind:    b.Kind,
			RaisedBy:         role.ID,
			RevisionKey:      key,
		}}
	}

	if r := out.Review; r != nil && r.Status == domain.StatusRejected {
		producer, _ := e.Registry.ProducerOf(r.Kind)
		category := domain.IssueRoleConflict
		if r.Kind == domain.KindPlan {
			category = domain.IssuePlanRejected
		}
		return e.reject(run, role, out, producer.ID, r.Kind, r.Notes, category, loops)
	}

	if verifier(role) && out.Status == domain.StatusRejected {
		kind := domain.KindImplementation
		if out.DefectScope == domain.DefectPlan {
			kind = domain.KindPlan
		}
		producer, _ := e.Registry.ProducerOf(kind)
		note := out.Change
		if note == "" {
			note = fmt.Sprintf("%s rejected; %s defect", role.Produces, kind)
		}
		return e.reject(run, role, out, producer.ID, role.Produces, note, domain.IssueVerificationFailed, loops)
	}

	if out.Handoff == "" {
		return nextStep{complete: true, trigger: domain.TriggerAccept, note: "run complete"}
	}
	return nextStep{to: out.Handoff, trigger: domain.TriggerAccept}
}

// reject loops back to producer once per role and kind, then escalates.
func (e Engine) reject(run *domain.Run, role domain.Role, out domain.Outcome, producer domain.RoleID,
	contested domain.ArtifactKind, note string, category domain.IssueCategory, loops int) nextStep {
	key := fmt.Sprintf("%s:%s", role.ID, contested)
	if run.Revisions[key] < loops {
		run.Revisions[key]++
		return nextStep{to: producer, trigger: domain.TriggerReject, note: note}
	}
	return nextStep{note: note, escalate: &domain.EscalationRequest{
		Issue:            fmt.Sprintf("%s rejected %s %d times: %s", role.ID, contested, run.Revisions[key]+1, note),
		Category:         category,
		ConflictingRoles: []domain.RoleID{role.ID, producer},
		Positions:        map[domain.RoleID]string{role.ID: note},
		ProceedRole:      e.forward(role, out.Handoff),
		ReworkRole:       producer,
		ContestedKind:    contested,
		RaisedBy:         role.ID,
		RevisionKey:      key,
	}}
}

// forward is the downstream role a proceed decision continues with.
func (e Engine) forward(role domain.Role, requested domain.RoleID) domain.RoleID {
	if requested != "" && e.Registry.Stage(requested) > role.Stage {
		return requested
	}
	for _, h := range role.Handoffs {
		if e.Registry.Stage(h) > role.Stage {
			return h
		}
	}
	return ""
}
