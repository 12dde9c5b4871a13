package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rolegate/internal/artifact"
	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/logging"
	"rolegate/internal/metrics"
	"rolegate/internal/registry"
	"rolegate/internal/runstore"
)

// ErrNoPendingEscalation is returned when Resolve is called on a run that is
// not waiting for arbitration.
var ErrNoPendingEscalation = errors.New("arbiter: run has no pending escalation")

// Arbiter issues binding decisions for escalated runs. It never mutates the
// run; the engine applies the returned record.
type Arbiter struct {
	Registry  *registry.Registry
	Runs      *runstore.Store
	Artifacts *artifact.Store
	Patterns  Detector
	Events    events.Writer
	MaxRisk   domain.RiskLevel
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Result struct {
	Record domain.EscalationRecord
	Flag   *domain.SystemicPatternFlag
}

func (a *Arbiter) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *Arbiter) input(req domain.EscalationRequest, flagged bool) Input {
	in := Input{Request: req, Flagged: flagged}
	if p, ok := a.Registry.ProducerOf(domain.KindPlan); ok {
		in.PlanRole = p.ID
	}
	if p, ok := a.Registry.ProducerOf(domain.KindStrategy); ok {
		in.Pivot = p.ID
	} else {
		in.Pivot = a.Registry.Entry()
	}
	return in
}

// Arbitrate records the occurrence for pattern detection, enumerates and
// selects an option, and persists the decision. When no option is
// acceptable it returns ArbitrationDeadlockError and writes no record.
func (a *Arbiter) Arbitrate(ctx context.Context, run domain.Run, req domain.EscalationRequest) (Result, error) {
	log := logging.OrNop(a.Logger)
	var res Result
	id := uuid.NewString()
	key := PatternKey(req.ConflictingRoles, req.Category)
	flag, err := a.Patterns.Observe(ctx, domain.EscalationOccurrence{
		Key: key, Category: req.Category, Roles: req.ConflictingRoles, RunID: run.ID, EscalationID: id, At: a.now(),
	})
	if err != nil {
		return res, fmt.Errorf("arbiter: record occurrence: %w", err)
	}
	if flag != nil {
		res.Flag = flag
		a.Metrics.PatternFlag()
		log.Warn("systemic pattern flagged", zap.String("key", key), zap.Int("occurrences", flag.Occurrences))
	}
	flagged, err := a.Patterns.Flagged(ctx, key)
	if err != nil {
		return res, err
	}

	options := Enumerate(a.input(req, flagged), a.Registry)
	choice, ok := Select(options, a.Registry, a.maxRisk())
	if !ok {
		dl := domain.ArbitrationDeadlockError{RunID: run.ID, Issue: req.Issue, EscalationID: id, Options: options}
		a.Metrics.Escalation("deadlock")
		log.Error("arbitration deadlock", zap.String("run_id", run.ID), zap.String("issue", req.Issue), zap.Int("options", len(options)))
		if err := a.Events.Append(ctx, nil, events.Event{
			Type: events.EscalationDeadlk, RunID: run.ID, EntityKind: "escalation", EntityID: id, ActorID: string(registry.ArbiterRole),
			Payload: events.EventPayload{"issue": req.Issue, "category": req.Category, "options": options},
		}); err != nil {
			return res, err
		}
		return res, dl
	}

	rec := domain.EscalationRecord{
		ID:               id,
		RunID:            run.ID,
		Issue:            req.Issue,
		Category:         req.Category,
		ConflictingRoles: req.ConflictingRoles,
		Positions:        req.Positions,
		Options:          options,
		Decision:         choice.Kind,
		NextRole:         choice.NextRole,
		Rationale:        rationale(choice, options, a.Registry),
		Constraints:      constraints(choice, req),
		Supersedes:       supersedes(a.Runs, run),
		DecidedBy:        string(registry.ArbiterRole),
		DecidedAt:        a.now(),
	}
	if flag != nil {
		rec.Constraints = append(rec.Constraints, "systemic pattern "+flag.ID+" raised for retrospective")
	}
	if err := a.persist(ctx, run, &rec); err != nil {
		return res, err
	}
	res.Record = rec
	return res, nil
}

// ResolveRequest is an operator decision for a held or deferred run.
type ResolveRequest struct {
	Decision    domain.OptionKind `json:"decision"`
	NextRole    domain.RoleID     `json:"next_role,omitempty"`
	Rationale   string            `json:"rationale,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	DecidedBy   string            `json:"decided_by,omitempty"`
}

// Resolve records an operator decision. A next role that is not a
// registered pipeline role fails closed with ErrUnknownRole.
func (a *Arbiter) Resolve(ctx context.Context, run domain.Run, rr ResolveRequest) (domain.EscalationRecord, error) {
	if run.Pending == nil {
		return domain.EscalationRecord{}, ErrNoPendingEscalation
	}
	req := *run.Pending
	if rr.Decision == domain.OptionDefer {
		return domain.EscalationRecord{}, fmt.Errorf("arbiter: an operator resolution cannot defer again")
	}
	options := Enumerate(a.input(req, false), a.Registry)
	var chosen *domain.Option
	for i := range options {
		if options[i].Kind == rr.Decision {
			chosen = &options[i]
			break
		}
	}
	next := rr.NextRole
	if next == "" && chosen != nil {
		next = chosen.NextRole
	}
	switch rr.Decision {
	case domain.OptionCancel:
		next = ""
	case domain.OptionProceed, domain.OptionRetry, domain.OptionReplan, domain.OptionPivot:
		if next == "" {
			return domain.EscalationRecord{}, fmt.Errorf("arbiter: decision %s needs a next role", rr.Decision)
		}
		if !a.Registry.Has(next) {
			return domain.EscalationRecord{}, fmt.Errorf("arbiter: next role %s: %w", next, domain.ErrUnknownRole)
		}
	default:
		return domain.EscalationRecord{}, fmt.Errorf("arbiter: unknown decision %q", rr.Decision)
	}
	if chosen == nil {
		options = append(options, domain.Option{Kind: rr.Decision, Summary: "Operator decision", Risk: domain.RiskMedium, NextRole: next})
	}
	by := strings.TrimSpace(rr.DecidedBy)
	if by == "" {
		by = "operator"
	}
	why := strings.TrimSpace(rr.Rationale)
	if why == "" {
		why = "operator decision"
	}
	choice := domain.Option{Kind: rr.Decision, NextRole: next}
	rec := domain.EscalationRecord{
		ID:               uuid.NewString(),
		RunID:            run.ID,
		Issue:            req.Issue,
		Category:         req.Category,
		ConflictingRoles: req.ConflictingRoles,
		Positions:        req.Positions,
		Options:          options,
		Decision:         rr.Decision,
		NextRole:         next,
		Rationale:        why,
		Constraints:      append(constraints(choice, req), rr.Constraints...),
		Supersedes:       supersedes(a.Runs, run),
		DecidedBy:        by,
		DecidedAt:        a.now(),
	}
	if err := a.persist(ctx, run, &rec); err != nil {
		return domain.EscalationRecord{}, err
	}
	return rec, nil
}

func (a *Arbiter) maxRisk() domain.RiskLevel {
	if a.MaxRisk == "" {
		return domain.RiskHigh
	}
	return a.MaxRisk
}

func (a *Arbiter) persist(ctx context.Context, run domain.Run, rec *domain.EscalationRecord) error {
	role, ok := a.Registry.Get(registry.ArbiterRole)
	if !ok {
		return fmt.Errorf("arbiter: role missing from registry")
	}
	art, err := a.Artifacts.Put(role, artifact.PutRequest{
		RunID:     run.ID,
		Sequence:  run.SequenceID,
		Topic:     run.Topic,
		Kind:      domain.KindEscalation,
		Status:    domain.StatusDecided,
		Body:      Render(*rec),
		Decisions: []string{string(rec.Decision)},
		Note:      rec.ID,
	})
	if err != nil {
		return fmt.Errorf("arbiter: write escalation artifact: %w", err)
	}
	rec.ArtifactPath = art.Path
	if err := a.Runs.SaveEscalation(*rec); err != nil {
		return fmt.Errorf("arbiter: save record: %w", err)
	}
	a.Metrics.Escalation(string(rec.Decision))
	logging.OrNop(a.Logger).Info("escalation decided",
		zap.String("run_id", run.ID), zap.String("escalation_id", rec.ID),
		zap.String("decision", string(rec.Decision)), zap.String("next_role", string(rec.NextRole)))
	return a.Events.Append(ctx, nil, events.Event{
		Type: events.EscalationDecided, RunID: run.ID, EntityKind: "escalation", EntityID: rec.ID, ActorID: rec.DecidedBy,
		Payload: events.EventPayload{"decision": rec.Decision, "next_role": rec.NextRole, "category": rec.Category},
	})
}

// supersedes links a decision to the run's previous record when that record
// deferred to an operator.
func supersedes(runs *runstore.Store, run domain.Run) string {
	if len(run.Escalations) == 0 {
		return ""
	}
	last := run.Escalations[len(run.Escalations)-1]
	prev, err := runs.GetEscalation(last)
	if err != nil || prev.Decision != domain.OptionDefer {
		return ""
	}
	return prev.ID
}

func rationale(choice domain.Option, options []domain.Option, roles RoleTable) string {
	var ties []string
	for _, o := range options {
		if o.Kind != choice.Kind && o.Risk == choice.Risk {
			ties = append(ties, string(o.Kind))
		}
	}
	msg := fmt.Sprintf("%s carries the lowest risk (%s) among %d option(s)", choice.Kind, choice.Risk, len(options))
	if len(ties) > 0 {
		sort.Strings(ties)
		msg += fmt.Sprintf("; tied with %s and preferred because it resumes the most advanced stage", strings.Join(ties, ", "))
		if choice.NextRole != "" {
			msg += fmt.Sprintf(" (%s, stage %d)", choice.NextRole, roles.Stage(choice.NextRole))
		}
	}
	return msg
}

func constraints(choice domain.Option, req domain.EscalationRequest) []string {
	switch choice.Kind {
	case domain.OptionProceed:
		if req.ContestedKind != "" {
			return []string{fmt.Sprintf("waive %s for %s", req.ContestedKind, choice.NextRole)}
		}
	case domain.OptionCancel:
		return []string{"run aborted"}
	case domain.OptionDefer:
		return []string{"awaiting operator resolution"}
	}
	return nil
}

// Render formats a record as the human-readable escalation artifact body.
func Render(rec domain.EscalationRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Escalation %s\n\n", rec.ID)
	fmt.Fprintf(&b, "Issue: %s\n\nCategory: %s\n\n", rec.Issue, rec.Category)
	if len(rec.ConflictingRoles) > 0 {
		roles := make([]string, len(rec.ConflictingRoles))
		for i, r := range rec.ConflictingRoles {
			roles[i] = string(r)
		}
		fmt.Fprintf(&b, "Conflicting roles: %s\n\n", strings.Join(roles, ", "))
	}
	if len(rec.Positions) > 0 {
		b.WriteString("## Positions\n\n")
		keys := make([]string, 0, len(rec.Positions))
		for k := range rec.Positions {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, rec.Positions[domain.RoleID(k)])
		}
		b.WriteString("\n")
	}
	b.WriteString("## Options\n\n| option | risk | next role | summary |\n|---|---|---|---|\n")
	for _, o := range rec.Options {
		next := string(o.NextRole)
		if next == "" {
			next = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", o.Kind, o.Risk, next, o.Summary)
	}
	fmt.Fprintf(&b, "\n## Decision\n\n%s", rec.Decision)
	if rec.NextRole != "" {
		fmt.Fprintf(&b, " -> %s", rec.NextRole)
	}
	fmt.Fprintf(&b, "\n\n%s\n", rec.Rationale)
	if len(rec.Constraints) > 0 {
		b.WriteString("\n## Constraints\n\n")
		for _, c := range rec.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nDecided by %s at %s\n", rec.DecidedBy, rec.DecidedAt.Format(time.RFC3339))
	return b.String()
}
