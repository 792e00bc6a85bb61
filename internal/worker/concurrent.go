package worker

import (
	"context"

	"github.com/rs/zerolog/log"

	"workq/internal/scheduler"
)

// RunConcurrent drives one Scheduler over src for the life of the process.
func RunConcurrent(ctx context.Context, src scheduler.Source, exec scheduler.Executor, opts scheduler.Options) error {
	log.Info().Str("worker_type", string(FlavorIO)).Msg("worker started")
	return scheduler.New(src, exec, opts).Run(ctx)
}
