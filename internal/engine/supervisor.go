package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const defaultDriveSteps = 64

// Drive advances a run until it stops moving forward.
func (e Engine) Drive(ctx context.Context, id string) (TransitionResult, error) {
	steps := e.Config.Policy.MaxDriveSteps
	if steps <= 0 {
		steps = defaultDriveSteps
	}
	var res TransitionResult
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var err error
		res, err = e.Advance(ctx, id, AdvanceOptions{})
		if err != nil || res.Kind != ResultAdvanced {
			return res, err
		}
	}
	res.Reason = fmt.Sprintf("stopped after %d steps", steps)
	return res, nil
}

// DriveAll drives independent runs concurrently. Each run's error is
// reported in its own result; one failing run does not stop the others.
func (e Engine) DriveAll(ctx context.Context, ids []string) []TransitionResult {
	out := make([]TransitionResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			res, err := e.Drive(ctx, id)
			res.Err = err
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}
