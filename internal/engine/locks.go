package engine

import (
	"context"
	"sync"
)

// runLocks serialises work per run. Waiting honours ctx so a caller can give
// up without stalling; other runs are never affected.
type runLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{slots: make(map[string]chan struct{})}
}

func (l *runLocks) acquire(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[runID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[runID] = slot
	}
	l.mu.Unlock()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
