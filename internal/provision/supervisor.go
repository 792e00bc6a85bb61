package provision

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// stableAfter is how long a worker must stay up for its restart backoff
// to reset.
const stableAfter = time.Minute

// Supervisor keeps one process per WorkerSpec alive until its context
// is cancelled.
type Supervisor struct {
	spawner Spawner
	specs   []WorkerSpec
	backoff func(attempts int) time.Duration
	g       *errgroup.Group
}

func NewSupervisor(sp Spawner, specs []WorkerSpec) *Supervisor {
	return &Supervisor{spawner: sp, specs: specs, backoff: backoffExp}
}

// Start launches every worker. Cancelling ctx terminates them.
func (s *Supervisor) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	s.g = g
	for _, spec := range s.specs {
		spec := spec
		g.Go(func() error { return s.supervise(ctx, spec) })
	}
}

// Wait returns once every worker has exited after shutdown.
func (s *Supervisor) Wait() error {
	if s.g == nil {
		return nil
	}
	return s.g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, spec WorkerSpec) error {
	logger := log.With().Int("worker", spec.Index).Str("worker_type", spec.Flavor.String()).Str("queue", spec.Queue).Logger()
	attempts := 0
	for {
		started := time.Now()
		p, err := s.spawner.Spawn(ctx, spec)
		if err == nil {
			logger.Info().Int("pid", p.Pid()).Msg("worker started")
			err = p.Wait()
		}
		if ctx.Err() != nil {
			logger.Info().Msg("worker stopped")
			return nil
		}
		if time.Since(started) > stableAfter {
			attempts = 0
		}
		attempts++
		next := s.backoff(attempts)
		logger.Warn().Err(err).Int("attempts", attempts).Dur("restart_in", next).Msg("worker exited, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next):
		}
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
