package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"workq/internal/queue"
	"workq/internal/scheduler"
)

const retryDelay = time.Second

// RunSequential blocks on the queue and executes each task to completion
// before taking the next one. A task already started finishes even if ctx
// is cancelled meanwhile.
func RunSequential(ctx context.Context, src scheduler.Source, exec scheduler.Executor) error {
	log.Info().Str("worker_type", string(FlavorCPU)).Msg("worker started")
	execCtx := context.WithoutCancel(ctx)
	for {
		t, err := src.Receive(ctx, true)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, queue.ErrClosed):
				return err
			case errors.Is(err, queue.ErrBadMessage):
				log.Error().Err(err).Msg("dropping message")
				continue
			case errors.Is(err, queue.ErrEmpty):
				continue
			}
			log.Error().Err(err).Msg("failed to receive task")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}
		if err := exec.Exec(execCtx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Str("task_name", t.Name).Msg("task execution failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
