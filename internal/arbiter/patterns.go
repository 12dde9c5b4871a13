package arbiter

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"rolegate/internal/domain"
	"rolegate/internal/events"
	"rolegate/internal/repo"
)

// Detector counts structurally identical escalations in a sliding window and
// emits a SystemicPatternFlag each time Threshold new occurrences accumulate
// since the previous flag for the same key.
type Detector struct {
	Repo      repo.Repo
	Events    events.Writer
	Threshold int
	Window    time.Duration
	Now       func() time.Time
}

func (d Detector) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Flagged reports whether key has ever been flagged.
func (d Detector) Flagged(ctx context.Context, key string) (bool, error) {
	_, err := d.Repo.LastPatternFlag(ctx, nil, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Observe logs one occurrence and returns the flag it triggers, if any.
func (d Detector) Observe(ctx context.Context, o domain.EscalationOccurrence) (*domain.SystemicPatternFlag, error) {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	now := d.now()
	if o.At.IsZero() {
		o.At = now
	}
	var flag *domain.SystemicPatternFlag
	err := d.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.Repo.InsertEscalationOccurrence(ctx, tx, o); err != nil {
			return err
		}
		since := time.Time{}
		if d.Window > 0 {
			since = now.Add(-d.Window)
		}
		last, err := d.Repo.LastPatternFlag(ctx, tx, o.Key)
		switch {
		case err == nil:
			if last.LastSeen.After(since) {
				since = last.LastSeen
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		occ, err := d.Repo.OccurrencesSince(ctx, tx, o.Key, since)
		if err != nil {
			return err
		}
		if len(occ) < threshold {
			return nil
		}
		f := domain.SystemicPatternFlag{
			ID:          uuid.NewString(),
			Key:         o.Key,
			Roles:       o.Roles,
			Category:    o.Category,
			Occurrences: len(occ),
			FirstSeen:   occ[0].At,
			LastSeen:    occ[len(occ)-1].At,
			FlaggedAt:   now,
		}
		seenRun := map[string]bool{}
		for _, x := range occ {
			if !seenRun[x.RunID] {
				seenRun[x.RunID] = true
				f.RunIDs = append(f.RunIDs, x.RunID)
			}
			f.EscalationIDs = append(f.EscalationIDs, x.EscalationID)
		}
		if err := d.Repo.InsertPatternFlag(ctx, tx, f); err != nil {
			return err
		}
		flag = &f
		return d.Events.Append(ctx, tx, events.Event{
			Type: events.PatternFlagged, RunID: o.RunID, EntityKind: "pattern", EntityID: f.ID, ActorID: "arbiter",
			Payload: events.EventPayload{"key": f.Key, "occurrences": f.Occurrences, "runs": f.RunIDs},
		})
	})
	return flag, err
}

// Pending returns flags no retrospective has consumed yet.
func (d Detector) Pending(ctx context.Context) ([]domain.SystemicPatternFlag, error) {
	return d.Repo.ListPatternFlags(ctx, repo.PatternFilter{Unacknowledged: true})
}

func (d Detector) Acknowledge(ctx context.Context, ids []string, by string) error {
	return d.Repo.AcknowledgePatternFlags(ctx, nil, ids, by, d.now())
}
