package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rolegate/internal/artifact"
	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/gate"
	"rolegate/internal/memory"
	"rolegate/internal/registry"
)

// AdvanceOptions customises one step.
type AdvanceOptions struct {
	// Handler replaces the configured handler for this step only.
	Handler Handler
}

// Advance performs one role step of a run: pre-conditions, invocation,
// post-conditions, gate updates and routing. Recoverable failures are
// reported in the result; contract violations and arbitration deadlocks are
// also returned as errors.
func (e Engine) Advance(ctx context.Context, id string, opts AdvanceOptions) (TransitionResult, error) {
	start := time.Now()
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	defer unlock()
	res, role, err := e.advance(ctx, id, opts)
	kind := string(res.Kind)
	if kind == "" {
		kind = "error"
	}
	e.Metrics.Advance(kind, string(role), time.Since(start))
	res.Err = err
	return res, err
}

func (e Engine) advance(ctx context.Context, id string, opts AdvanceOptions) (TransitionResult, domain.RoleID, error) {
	run, err := e.Runs.GetRun(id)
	if err != nil {
		return TransitionResult{}, "", err
	}
	switch run.Status {
	case domain.RunComplete:
		return TransitionResult{Kind: ResultComplete, Run: run}, run.CurrentRole, nil
	case domain.RunAborted:
		return TransitionResult{Kind: ResultAborted, Run: run}, run.CurrentRole, nil
	case domain.RunEscalated:
		return TransitionResult{Kind: ResultEscalated, Run: run, Reason: "awaiting arbitration"}, run.CurrentRole, nil
	}
	role, ok := e.Registry.Get(run.CurrentRole)
	if !ok || !role.Invocable {
		return TransitionResult{Run: run}, run.CurrentRole, fmt.Errorf("run %s current role %s: %w", run.ID, run.CurrentRole, domain.ErrUnknownRole)
	}

	missing, err := e.missing(run, role)
	if err != nil {
		return TransitionResult{Run: run}, role.ID, err
	}
	if len(missing) > 0 {
		res, err := e.block(ctx, run, missing)
		return res, role.ID, err
	}
	if run.Status == domain.RunBlocked {
		run.Status = domain.RunActive
		run.Blocked = nil
		run.UpdatedAt = e.now()
		if err := e.Runs.SaveRun(run); err != nil {
			return TransitionResult{Run: run}, role.ID, err
		}
		if err := e.Events.Append(ctx, nil, events.Event{Type: events.RunUnblocked, RunID: run.ID, EntityKind: "run", EntityID: run.ID}); err != nil {
			return TransitionResult{Run: run}, role.ID, err
		}
	}

	next := run
	next.Revisions = copyRevisions(run.Revisions)
	if role.HasCapability(domain.CapGateTechnical) {
		switch next.Gates.Technical {
		case domain.TechInProgress, domain.TechPassed:
		default:
			if err := e.Gates.SetTechnical(&next, role.ID, domain.TechInProgress); err != nil {
				return TransitionResult{Kind: ResultRejected, Run: run, Reason: err.Error()}, role.ID, e.violation(ctx, run, err)
			}
		}
	}

	inv, err := e.invoke(ctx, next, role, opts.Handler)
	if err != nil || inv.rejected != "" {
		kind := ResultRejected
		if err != nil && !domain.IsContractViolation(err) {
			kind = ""
		}
		return TransitionResult{Kind: kind, Run: run, Reason: inv.rejected}, role.ID, err
	}
	res, err := e.apply(ctx, next, role, inv)
	return res, role.ID, err
}

func copyRevisions(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// missing lists unmet dependencies and gates for role. Waivers granted by
// the arbiter skip the named dependency.
func (e Engine) missing(run domain.Run, role domain.Role) ([]domain.MissingDependency, error) {
	var out []domain.MissingDependency
	for _, dep := range role.Dependencies {
		if run.Waived(dep.Kind, role.ID) {
			continue
		}
		rel, err := e.Artifacts.RelPath(run.SequenceID, run.Topic, dep.Kind)
		if err != nil {
			return nil, err
		}
		required := make([]string, len(dep.Statuses))
		for i, s := range dep.Statuses {
			required[i] = string(s)
		}
		a, err := e.Artifacts.Get(run.SequenceID, run.Topic, dep.Kind)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			out = append(out, domain.MissingDependency{Kind: dep.Kind, Path: rel, RequiredStatuses: required})
		case err != nil:
			return nil, err
		case a.RunID != "" && a.RunID != run.ID:
			// Another run's artifact never satisfies this run.
			out = append(out, domain.MissingDependency{Kind: dep.Kind, Path: rel, RequiredStatuses: required})
		case !dep.Satisfied(a.Status):
			out = append(out, domain.MissingDependency{Kind: dep.Kind, Path: rel, RequiredStatuses: required, ActualStatus: string(a.Status)})
		}
	}
	return append(out, gate.Missing(role, run.Gates)...), nil
}

// block parks the run. Repeating the same report changes nothing on disk.
func (e Engine) block(ctx context.Context, run domain.Run, missing []domain.MissingDependency) (TransitionResult, error) {
	res := TransitionResult{Kind: ResultBlocked, Run: run, Missing: missing,
		Reason: domain.PreconditionUnmetError{Role: run.CurrentRole, Missing: missing}.Error()}
	if run.Status == domain.RunBlocked && sameMissing(run.Blocked, missing) {
		return res, nil
	}
	run.Status = domain.RunBlocked
	run.Blocked = missing
	run.UpdatedAt = e.now()
	if err := e.Runs.SaveRun(run); err != nil {
		return TransitionResult{Run: run}, err
	}
	res.Run = run
	e.log().Info("run blocked", zap.String("run_id", run.ID), zap.String("role", string(run.CurrentRole)), zap.String("missing", res.Reason))
	return res, e.Events.Append(ctx, nil, events.Event{
		Type: events.RunBlocked, RunID: run.ID, EntityKind: "run", EntityID: run.ID,
		Payload: events.EventPayload{"role": run.CurrentRole, "missing": missing},
	})
}

func sameMissing(a, b []domain.MissingDependency) bool {
	x, errA := json.Marshal(a)
	y, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(x) == string(y)
}

type invocationResult struct {
	out      domain.Outcome
	handle   *memory.Handle
	flags    []domain.SystemicPatternFlag
	rejected string
}

// invoke calls the handler, retrying once per configured post-condition
// retry. Memory contract violations end the invocation immediately.
func (e Engine) invoke(ctx context.Context, run domain.Run, role domain.Role, override Handler) (invocationResult, error) {
	var res invocationResult
	handler, err := e.handlerFor(role.ID, override)
	if err != nil {
		return res, err
	}
	readable, err := e.Artifacts.Paths(run.SequenceID, run.Topic)
	if err != nil {
		return res, err
	}
	if role.HasCapability(domain.CapRetrospective) {
		if res.flags, err = e.Arbiter.Patterns.Pending(ctx); err != nil {
			return res, err
		}
	}
	attempts := 1 + e.Config.Policy.PostconditionRetries
	if attempts < 1 {
		attempts = 1
	}
	feedback := ""
	for attempt := 1; ; attempt++ {
		h := memory.NewHandle(memory.HandleOptions{
			Store:   e.Memory,
			Role:    role,
			RunID:   run.ID,
			Topic:   run.Topic,
			Limits:  e.limits(),
			Logger:  e.log().Named("memory"),
			Metrics: e.Metrics,
			Now:     e.Now,
		})
		out, err := handler.Invoke(ctx, Invocation{
			RunID:        run.ID,
			Run:          run,
			Role:         role,
			Readable:     readable,
			Artifacts:    e.Artifacts,
			Memory:       h,
			PatternFlags: res.flags,
			Attempt:      attempt,
			Feedback:     feedback,
		})
		e.recordMemoryCalls(ctx, run, role, h.Calls())
		if vs := h.Violations(); len(vs) > 0 {
			res.rejected = vs[0].Error()
			return res, vs[0]
		}
		if err != nil {
			if domain.IsContractViolation(err) {
				res.rejected = err.Error()
				return res, e.violation(ctx, run, err)
			}
			return res, fmt.Errorf("invoke %s: %w", role.ID, err)
		}
		perr := e.checkPostconditions(run, role, out, h)
		if perr == nil {
			res.out, res.handle = out, h
			return res, nil
		}
		var pv domain.PostconditionViolatedError
		if !errors.As(perr, &pv) {
			return res, perr
		}
		e.log().Warn("outcome rejected", zap.String("run_id", run.ID), zap.String("role", string(role.ID)),
			zap.Int("attempt", attempt), zap.String("reason", pv.Reason))
		if err := e.Events.Append(ctx, nil, events.Event{
			Type: events.RunRejected, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(role.ID),
			Payload: events.EventPayload{"reason": pv.Reason, "attempt": attempt},
		}); err != nil {
			return res, err
		}
		if attempt >= attempts {
			res.rejected = pv.Error()
			return res, nil
		}
		feedback = pv.Reason
	}
}

func (e Engine) limits() memory.Limits {
	m := e.Config.Memory
	return memory.Limits{
		DefaultResults: m.DefaultResults,
		MaxResults:     m.MaxResults,
		FollowUps:      m.FollowUps,
		SummaryMin:     m.SummaryMinChars,
		SummaryMax:     m.SummaryMaxChars,
	}
}

func (e Engine) recordMemoryCalls(ctx context.Context, run domain.Run, role domain.Role, calls []domain.MemoryCall) {
	for _, c := range calls {
		typ := events.MemoryRetrieve
		switch {
		case c.Violation != "":
			typ = events.MemoryViolation
		case c.Op != "retrieve":
			continue
		}
		if err := e.Events.Append(ctx, nil, events.Event{
			Type: typ, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(role.ID),
			Payload: events.EventPayload{"op": c.Op, "query": c.Query, "follow_up": c.FollowUp, "results": c.ResultIDs, "rule": c.Violation},
		}); err != nil {
			e.log().Error("append memory event", zap.Error(err))
		}
	}
}

// apply writes the accepted outcome and moves the run along.
func (e Engine) apply(ctx context.Context, run domain.Run, role domain.Role, inv invocationResult) (TransitionResult, error) {
	out := inv.out
	orig := run
	if err := e.applyGates(&run, role, out); err != nil {
		return TransitionResult{Kind: ResultRejected, Run: orig, Reason: err.Error()}, e.violation(ctx, orig, err)
	}
	status := out.Status
	if status == "" {
		status = domain.StatusAwaitingInput
	}
	art, err := e.Artifacts.Put(role, artifact.PutRequest{
		RunID:        run.ID,
		Sequence:     run.SequenceID,
		Topic:        run.Topic,
		Kind:         role.Produces,
		Status:       status,
		Body:         out.Body,
		Decisions:    out.Decisions,
		Rejected:     out.Rejected,
		Verification: out.Verification,
		Note:         out.Change,
	})
	if err != nil {
		return TransitionResult{Run: orig}, err
	}
	refs := []string{art.Path}
	if out.Review != nil {
		reviewed, err := e.Artifacts.SetStatus(role, run.SequenceID, run.Topic, out.Review.Kind, out.Review.Status, out.Review.Notes)
		if err != nil {
			return TransitionResult{Run: orig}, err
		}
		refs = append(refs, reviewed.Path)
	}
	if inv.handle.Summarized() {
		run.TurnsSinceSummary = 0
	} else {
		run.TurnsSinceSummary += turnsOf(out)
	}

	d := e.route(&run, role, out)
	now := e.now()
	tr := domain.Transition{
		Seq:          len(run.History) + 1,
		From:         role.ID,
		At:           now,
		ArtifactRefs: refs,
		MemoryCalls:  inv.handle.Calls(),
		Note:         d.note,
	}
	run.UpdatedAt = now
	if d.escalate != nil {
		d.escalate.RaisedAt = now
		tr.To = registry.ArbiterRole
		tr.Trigger = domain.TriggerEscalate
		run.History = append(run.History, tr)
		run.Status = domain.RunEscalated
		run.Pending = d.escalate
		if err := e.commit(ctx, run, tr); err != nil {
			return TransitionResult{Run: run}, err
		}
		return e.arbitrate(ctx, run, tr)
	}

	tr.To = d.to
	tr.Trigger = d.trigger
	run.History = append(run.History, tr)
	kind := ResultAdvanced
	if d.complete {
		run.Status = domain.RunComplete
		kind = ResultComplete
	} else {
		e.enter(&run, d.to)
	}
	if role.HasCapability(domain.CapRetrospective) && len(inv.flags) > 0 {
		ids := make([]string, len(inv.flags))
		for i, f := range inv.flags {
			ids[i] = f.ID
		}
		if err := e.Arbiter.Patterns.Acknowledge(ctx, ids, run.ID); err != nil {
			return TransitionResult{Run: orig}, err
		}
	}
	if err := e.commit(ctx, run, tr); err != nil {
		return TransitionResult{Run: run}, err
	}
	if d.complete {
		e.log().Info("run completed", zap.String("run_id", run.ID))
		if err := e.Events.Append(ctx, nil, events.Event{Type: events.RunCompleted, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(role.ID)}); err != nil {
			return TransitionResult{Run: run}, err
		}
	}
	return TransitionResult{Kind: kind, Run: run, Transition: &tr}, nil
}

func turnsOf(out domain.Outcome) int {
	if out.Turns > 0 {
		return out.Turns
	}
	return 1
}

// enter makes to the current role. Re-entering implementation reopens the gates.
func (e Engine) enter(run *domain.Run, to domain.RoleID) {
	run.CurrentRole = to
	if p, ok := e.Registry.ProducerOf(domain.KindImplementation); ok && p.ID == to {
		e.Gates.ResetForRework(run)
	}
}

func (e Engine) applyGates(run *domain.Run, role domain.Role, out domain.Outcome) error {
	if role.HasCapability(domain.CapGateTechnical) {
		switch out.Status {
		case domain.StatusAccepted:
			if err := e.Gates.SetTechnical(run, role.ID, domain.TechPassed); err != nil {
				return err
			}
		case domain.StatusRejected:
			if err := e.Gates.SetTechnical(run, role.ID, domain.TechFailed); err != nil {
				return err
			}
		}
	}
	if role.HasCapability(domain.CapGateValue) {
		switch out.Status {
		case domain.StatusAccepted:
			if err := e.Gates.SetValue(run, role.ID, domain.ValuePassed); err != nil {
				return err
			}
		case domain.StatusRejected:
			if err := e.Gates.SetValue(run, role.ID, domain.ValueFailed); err != nil {
				return err
			}
		}
	}
	if role.HasCapability(domain.CapRelease) && out.Status == domain.StatusReleased {
		return e.Gates.Lock(run, role.ID)
	}
	return nil
}

// commit persists the run and records the transition.
func (e Engine) commit(ctx context.Context, run domain.Run, tr domain.Transition) error {
	if err := e.Runs.SaveRun(run); err != nil {
		return err
	}
	e.Metrics.Transition(string(tr.Trigger))
	e.log().Debug("transition", zap.String("run_id", run.ID), zap.Int("seq", tr.Seq),
		zap.String("from", string(tr.From)), zap.String("to", string(tr.To)), zap.String("trigger", string(tr.Trigger)))
	return e.Events.Append(ctx, nil, events.Event{
		Type: events.RunTransition, RunID: run.ID, EntityKind: "run", EntityID: run.ID, ActorID: string(tr.From),
		Payload: events.EventPayload{"seq": tr.Seq, "from": tr.From, "to": tr.To, "trigger": tr.Trigger, "artifacts": tr.ArtifactRefs, "note": tr.Note},
	})
}
