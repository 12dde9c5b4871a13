package arbiter

import (
	"sort"
	"strings"

	"rolegate/internal/domain"
)

// Input is everything the decision function looks at.
type Input struct {
	Request  domain.EscalationRequest
	Flagged  bool
	PlanRole domain.RoleID
	Pivot    domain.RoleID
}

// RoleTable is the registry view the decision function needs.
type RoleTable interface {
	Has(id domain.RoleID) bool
	Stage(id domain.RoleID) int
}

var riskTable = map[domain.IssueCategory]map[domain.OptionKind]domain.RiskLevel{
	domain.IssuePlanRejected: {
		domain.OptionProceed: domain.RiskHigh,
		domain.OptionReplan:  domain.RiskMedium,
		domain.OptionPivot:   domain.RiskHigh,
		domain.OptionCancel:  domain.RiskHigh,
		domain.OptionDefer:   domain.RiskMedium,
	},
	domain.IssueVerificationFailed: {
		domain.OptionProceed: domain.RiskCritical,
		domain.OptionRetry:   domain.RiskMedium,
		domain.OptionReplan:  domain.RiskMedium,
		domain.OptionPivot:   domain.RiskHigh,
		domain.OptionCancel:  domain.RiskHigh,
		domain.OptionDefer:   domain.RiskMedium,
	},
	domain.IssuePrecondition: {
		domain.OptionProceed: domain.RiskHigh,
		domain.OptionRetry:   domain.RiskMedium,
		domain.OptionReplan:  domain.RiskMedium,
		domain.OptionPivot:   domain.RiskHigh,
		domain.OptionCancel:  domain.RiskHigh,
		domain.OptionDefer:   domain.RiskMedium,
	},
	domain.IssueRoleConflict: {
		domain.OptionProceed: domain.RiskMedium,
		domain.OptionRetry:   domain.RiskMedium,
		domain.OptionReplan:  domain.RiskMedium,
		domain.OptionPivot:   domain.RiskHigh,
		domain.OptionCancel:  domain.RiskHigh,
		domain.OptionDefer:   domain.RiskMedium,
	},
}

func riskFor(cat domain.IssueCategory, kind domain.OptionKind) (domain.RiskLevel, bool) {
	row, ok := riskTable[cat]
	if !ok {
		row = riskTable[domain.IssueRoleConflict]
	}
	r, ok := row[kind]
	return r, ok
}

// Enumerate lists the candidate options in a fixed order. Options whose
// next role is not registered are dropped so the table fails closed.
func Enumerate(in Input, roles RoleTable) []domain.Option {
	req := in.Request
	positions := strings.ToLower(joinPositions(req.Positions) + " " + req.Issue)
	var out []domain.Option
	add := func(kind domain.OptionKind, next domain.RoleID, summary string, pros, cons []string) {
		risk, ok := riskFor(req.Category, kind)
		if !ok {
			return
		}
		switch {
		case kind == domain.OptionReplan && strings.Contains(positions, "plan-flawed"):
			risk = domain.RiskLow
		case kind == domain.OptionProceed && (strings.Contains(positions, "security") || strings.Contains(positions, "data loss")):
			risk = domain.RiskCritical
		case kind == domain.OptionRetry && in.Flagged:
			risk = domain.RiskHigh
		}
		if next != "" && !roles.Has(next) {
			return
		}
		out = append(out, domain.Option{Kind: kind, Summary: summary, Pros: pros, Cons: cons, Risk: risk, NextRole: next})
	}

	if req.ProceedRole != "" {
		add(domain.OptionProceed, req.ProceedRole,
			"Accept the current artifacts and continue with "+string(req.ProceedRole),
			[]string{"no rework", "keeps the pipeline moving"},
			[]string{"the contested concern is carried forward unresolved"})
	}
	if req.ReworkRole != "" && req.ReworkRole != in.PlanRole {
		add(domain.OptionRetry, req.ReworkRole,
			"Give "+string(req.ReworkRole)+" one more rework pass",
			[]string{"smallest amount of rework"},
			[]string{"the same disagreement may recur"})
	}
	if in.PlanRole != "" {
		add(domain.OptionReplan, in.PlanRole,
			"Revise the plan to address the conflict",
			[]string{"fixes the problem at its source"},
			[]string{"downstream work is redone"})
	}
	if in.Pivot != "" {
		add(domain.OptionPivot, in.Pivot,
			"Change direction and restart from "+string(in.Pivot),
			[]string{"avoids investing further in a weak approach"},
			[]string{"discards most of the run's work"})
	}
	add(domain.OptionCancel, "", "Cancel the run",
		[]string{"stops spending effort on a doomed item"},
		[]string{"no value is delivered"})
	add(domain.OptionDefer, "", "Defer the decision to a human operator",
		[]string{"a person with full context decides"},
		[]string{"the run waits until an operator resolves it"})
	return out
}

// Select picks one option: lowest risk, then the most advanced next stage,
// then enumeration order. It reports false when nothing is within maxRisk.
func Select(options []domain.Option, roles RoleTable, maxRisk domain.RiskLevel) (domain.Option, bool) {
	if len(options) == 0 {
		return domain.Option{}, false
	}
	ranked := append([]domain.Option(nil), options...)
	stage := func(o domain.Option) int {
		if o.NextRole == "" {
			return -1
		}
		return roles.Stage(o.NextRole)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i].Risk.Rank(), ranked[j].Risk.Rank()
		if ri != rj {
			return ri < rj
		}
		return stage(ranked[i]) > stage(ranked[j])
	})
	best := ranked[0]
	if best.Risk.Rank() > maxRisk.Rank() {
		return best, false
	}
	return best, true
}

func joinPositions(p map[domain.RoleID]string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, p[domain.RoleID(k)])
	}
	return strings.Join(parts, " ")
}

// PatternKey identifies structurally identical escalations: the sorted pair
// of conflicting roles plus the issue category.
func PatternKey(roles []domain.RoleID, cat domain.IssueCategory) string {
	ids := make([]string, 0, len(roles))
	seen := map[domain.RoleID]bool{}
	for _, r := range roles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		ids = append(ids, string(r))
	}
	sort.Strings(ids)
	return strings.Join(ids, "+") + "|" + string(cat)
}
