package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/metrics"
	"workq/internal/queue"
)

const (
	DefaultMaxJobs      = 3
	DefaultIdleDelay    = time.Second
	DefaultDrainTimeout = 60 * time.Second
)

// Source hands out queued tasks. queue.Queue implements it.
type Source interface {
	Receive(ctx context.Context, wait bool) (*domain.Task, error)
}

// Executor runs one task to completion. runner.Executor implements it.
type Executor interface {
	Exec(ctx context.Context, t *domain.Task) error
}

type Options struct {
	MaxJobs      int
	IdleDelay    time.Duration
	DrainTimeout time.Duration
	// Backend, when set, is cleaned whenever the queue runs dry.
	Backend backend.Backend
	Metrics metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.MaxJobs <= 0 {
		o.MaxJobs = DefaultMaxJobs
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = DefaultIdleDelay
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	o.Metrics = metrics.OrNop(o.Metrics)
	return o
}

type job struct {
	task    *domain.Task
	started time.Time
}

// Scheduler polls a Source and runs up to MaxJobs tasks at once, each on
// its own goroutine.
type Scheduler struct {
	src  Source
	exec Executor
	opts Options
	sem  *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]job
	wg       sync.WaitGroup
}

func New(src Source, exec Executor, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		src:      src,
		exec:     exec,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxJobs)),
		inflight: make(map[string]job),
	}
}

// InFlight reports how many tasks are currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Run polls until ctx is done, then waits up to DrainTimeout for running
// tasks. Shutdown never cancels a running task.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Int("max_jobs", s.opts.MaxJobs).Msg("scheduler started")
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.drain(ctx)
		}
		t, err := s.src.Receive(ctx, false)
		if err != nil {
			s.sem.Release(1)
			switch {
			case ctx.Err() != nil:
				return s.drain(ctx)
			case errors.Is(err, queue.ErrEmpty):
				s.sentinel(ctx)
			case errors.Is(err, queue.ErrBadMessage):
				log.Error().Err(err).Msg("dropping message")
				continue
			case errors.Is(err, queue.ErrClosed):
				log.Warn().Msg("queue closed, stopping scheduler")
				s.wait()
				return err
			default:
				log.Error().Err(err).Msg("failed to receive task")
			}
			if !sleep(ctx, s.opts.IdleDelay) {
				return s.drain(ctx)
			}
			continue
		}
		s.launch(ctx, t)
	}
}

func (s *Scheduler) launch(ctx context.Context, t *domain.Task) {
	s.mu.Lock()
	s.inflight[t.ID] = job{task: t, started: time.Now()}
	n := len(s.inflight)
	s.mu.Unlock()
	s.opts.Metrics.InFlight(n)

	execCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.done(t.ID)
		if err := s.exec.Exec(execCtx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Str("task_name", t.Name).Msg("task execution failed")
		}
	}()
}

func (s *Scheduler) done(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	n := len(s.inflight)
	s.mu.Unlock()
	s.opts.Metrics.InFlight(n)
}

// sentinel runs between polls when the queue is empty. It logs in-flight
// tasks past their timeout and cleans stuck or expired backend records.
// Finished entries leave the in-flight set in done, not here.
func (s *Scheduler) sentinel(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	for id, j := range s.inflight {
		if j.task.Timeout > 0 && now.Sub(j.started) > time.Duration(j.task.Timeout)*time.Second {
			log.Warn().Str("task_id", id).Str("task_name", j.task.Name).
				Dur("running_for", now.Sub(j.started)).Msg("task running past its timeout")
		}
	}
	s.mu.Unlock()

	if s.opts.Backend == nil {
		return
	}
	report, err := s.opts.Backend.Clean(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to clean tasks")
		return
	}
	if !report.Empty() {
		s.opts.Metrics.TasksCleaned(len(report.Deleted), len(report.Failed))
		log.Info().Int("deleted", len(report.Deleted)).Int("failed", len(report.Failed)).Msg("cleaned tasks")
	}
}

func (s *Scheduler) drain(ctx context.Context) error {
	n := s.InFlight()
	if n > 0 {
		log.Info().Int("in_flight", n).Dur("timeout", s.opts.DrainTimeout).Msg("waiting for running tasks")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.DrainTimeout):
		log.Warn().Int("in_flight", s.InFlight()).Msg("drain timeout reached, abandoning running tasks")
	}
	return ctx.Err()
}

func (s *Scheduler) wait() { s.wg.Wait() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
