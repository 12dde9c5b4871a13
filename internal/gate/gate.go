package gate

import (
	"fmt"
	"time"

	"rolegate/internal/domain"
	"rolegate/internal/engine/auth"
)

const (
	GateTechnical = "technical"
	GateValue     = "value"
)

var technicalTransitions = map[domain.TechnicalGate][]domain.TechnicalGate{
	domain.TechUnset:                  {domain.TechStrategyDrafted, domain.TechAwaitingImplementation, domain.TechInProgress},
	domain.TechStrategyDrafted:        {domain.TechAwaitingImplementation, domain.TechInProgress},
	domain.TechAwaitingImplementation: {domain.TechInProgress},
	domain.TechInProgress:             {domain.TechPassed, domain.TechFailed},
	domain.TechPassed:                 {domain.TechFailed},
	domain.TechFailed:                 {domain.TechInProgress},
}

var valueTransitions = map[domain.ValueGate][]domain.ValueGate{
	domain.ValueUnset:  {domain.ValuePassed, domain.ValueFailed},
	domain.ValuePassed: {domain.ValueFailed},
}

// Coordinator owns the two sequential gates of a run. Callers persist the run.
type Coordinator struct {
	Auth auth.Service
	Now  func() time.Time
}

func (c Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func normalize(g *domain.GateState) {
	if g.Technical == "" {
		g.Technical = domain.TechUnset
	}
	if g.Value == "" {
		g.Value = domain.ValueUnset
	}
}

// SetTechnical moves the technical gate; by must hold gate.technical.
func (c Coordinator) SetTechnical(run *domain.Run, by domain.RoleID, to domain.TechnicalGate) error {
	if err := c.Auth.Require(by, domain.CapGateTechnical); err != nil {
		return err
	}
	normalize(&run.Gates)
	if run.Gates.Locked {
		return domain.ContractViolationError{Role: by, Rule: "gate.locked", Detail: "gates are locked after release"}
	}
	from := run.Gates.Technical
	if from == to {
		return nil
	}
	if !allowed(technicalTransitions[from], to) {
		return domain.ContractViolationError{Role: by, Rule: "gate.transition", Detail: fmt.Sprintf("technical gate %s -> %s", from, to)}
	}
	run.Gates.Technical = to
	if to != domain.TechPassed && run.Gates.Value == domain.ValuePassed {
		run.Gates.Value = domain.ValueUnset
	}
	run.Gates.UpdatedAt = c.now()
	return nil
}

// SetValue moves the value gate. It is only legal once the technical gate passed.
func (c Coordinator) SetValue(run *domain.Run, by domain.RoleID, to domain.ValueGate) error {
	if err := c.Auth.Require(by, domain.CapGateValue); err != nil {
		return err
	}
	normalize(&run.Gates)
	if run.Gates.Locked {
		return domain.ContractViolationError{Role: by, Rule: "gate.locked", Detail: "gates are locked after release"}
	}
	if run.Gates.Technical != domain.TechPassed {
		return domain.ContractViolationError{
			Role:   by,
			Rule:   "gate.sequential",
			Detail: fmt.Sprintf("value gate cannot move while technical gate is %s", run.Gates.Technical),
		}
	}
	from := run.Gates.Value
	if from == to {
		return nil
	}
	if !allowed(valueTransitions[from], to) {
		return domain.ContractViolationError{Role: by, Rule: "gate.transition", Detail: fmt.Sprintf("value gate %s -> %s", from, to)}
	}
	run.Gates.Value = to
	run.Gates.UpdatedAt = c.now()
	return nil
}

// ResetForRework reopens both gates when work re-enters implementation.
func (c Coordinator) ResetForRework(run *domain.Run) bool {
	normalize(&run.Gates)
	if run.Gates.Locked {
		return false
	}
	if run.Gates.Technical == domain.TechAwaitingImplementation && run.Gates.Value == domain.ValueUnset {
		return false
	}
	run.Gates.Technical = domain.TechAwaitingImplementation
	run.Gates.Value = domain.ValueUnset
	run.Gates.UpdatedAt = c.now()
	return true
}

// Lock freezes the gates once the release role consumed the run.
func (c Coordinator) Lock(run *domain.Run, by domain.RoleID) error {
	if err := c.Auth.Require(by, domain.CapRelease); err != nil {
		return err
	}
	if !IsReleaseReady(run.Gates) {
		return domain.ContractViolationError{Role: by, Rule: "gate.release", Detail: "release requires both gates passed"}
	}
	run.Gates.Locked = true
	run.Gates.UpdatedAt = c.now()
	return nil
}

// IsReleaseReady is the only release-readiness predicate.
func IsReleaseReady(g domain.GateState) bool {
	return g.Technical == domain.TechPassed && g.Value == domain.ValuePassed
}

// Missing reports unmet gate requirements for a role, as blocked-report entries.
func Missing(role domain.Role, g domain.GateState) []domain.MissingDependency {
	normalize(&g)
	var out []domain.MissingDependency
	if role.HasCapability(domain.CapGateValue) && g.Technical != domain.TechPassed {
		out = append(out, domain.MissingDependency{Gate: GateTechnical, RequiredStatuses: []string{string(domain.TechPassed)}, ActualStatus: string(g.Technical)})
	}
	if role.HasCapability(domain.CapRelease) {
		if g.Technical != domain.TechPassed && !role.HasCapability(domain.CapGateValue) {
			out = append(out, domain.MissingDependency{Gate: GateTechnical, RequiredStatuses: []string{string(domain.TechPassed)}, ActualStatus: string(g.Technical)})
		}
		if g.Value != domain.ValuePassed {
			out = append(out, domain.MissingDependency{Gate: GateValue, RequiredStatuses: []string{string(domain.ValuePassed)}, ActualStatus: string(g.Value)})
		}
	}
	return out
}

func allowed[T comparable](next []T, to T) bool {
	for _, n := range next {
		if n == to {
			return true
		}
	}
	return false
}
