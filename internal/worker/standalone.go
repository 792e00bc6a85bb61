package worker

import (
	"context"
	"errors"
	"fmt"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/scheduler"
)

// RunStandalone executes t in the calling goroutine, outside of any queue.
// The task is stored first when b is set and does not know it yet, so its
// record goes through the same lifecycle as a queued execution.
func RunStandalone(ctx context.Context, b backend.Backend, exec scheduler.Executor, t *domain.Task) (*domain.Task, error) {
	if b != nil {
		_, err := b.GetTask(ctx, t.ID)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			if err := b.AddTask(ctx, t); err != nil {
				return nil, fmt.Errorf("persist task %s: %w", t.ID, err)
			}
		case err != nil:
			return nil, err
		}
	}
	if err := exec.Exec(ctx, t); err != nil {
		return t, err
	}
	if b == nil {
		return t, nil
	}
	return b.GetTask(ctx, t.ID)
}
