package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/metrics"
	"workq/internal/queue"
)

const DefaultCleanSchedule = "@every 1m"

// Submitter enqueues new tasks. queue.Queue implements it.
type Submitter interface {
	Submit(ctx context.Context, name string, params map[string]any, opts queue.SubmitOptions) (*domain.Task, error)
}

// Recurring is a task submitted on a cron schedule.
type Recurring struct {
	Name      string         `mapstructure:"name" validate:"required"`
	Cron      string         `mapstructure:"cron" validate:"required,cron"`
	Task      string         `mapstructure:"task" validate:"required"`
	Params    map[string]any `mapstructure:"params"`
	Timeout   int            `mapstructure:"timeout" validate:"gte=0"`
	ResultTTL int            `mapstructure:"result_ttl" validate:"gte=0"`
}

type Options struct {
	// CleanSchedule drives backend.Clean. Empty disables the clean job.
	CleanSchedule string
	Schedules     []Recurring
	Metrics       metrics.Recorder
}

type job struct {
	name  string
	sched cron.Schedule
	run   func(ctx context.Context)
}

// Service runs the host's periodic jobs: reclaiming stuck tasks and
// submitting recurring ones.
type Service struct {
	backend backend.Backend
	submit  Submitter
	metrics metrics.Recorder
	cron    *cron.Cron
	jobs    []job

	stopOnce sync.Once
	stop     chan struct{}
}

// New validates every schedule up front. b and sub may be nil when the
// corresponding jobs are not configured.
func New(b backend.Backend, sub Submitter, opts Options) (*Service, error) {
	s := &Service{
		backend: b,
		submit:  sub,
		metrics: metrics.OrNop(opts.Metrics),
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		stop:    make(chan struct{}),
	}
	if opts.CleanSchedule != "" && b != nil {
		sched, err := cron.ParseStandard(opts.CleanSchedule)
		if err != nil {
			return nil, fmt.Errorf("clean schedule %q: %w", opts.CleanSchedule, err)
		}
		s.jobs = append(s.jobs, job{name: "clean", sched: sched, run: func(ctx context.Context) {
			_, _ = s.CleanOnce(ctx)
		}})
	}
	for _, r := range opts.Schedules {
		if sub == nil {
			return nil, fmt.Errorf("schedule %q: no queue to submit to", r.Name)
		}
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", r.Name, err)
		}
		r := r
		s.jobs = append(s.jobs, job{name: r.Name, sched: sched, run: func(ctx context.Context) {
			_ = s.fire(ctx, r)
		}})
	}
	return s, nil
}

// Start runs the jobs until ctx is done or Stop is called, then waits for
// running jobs to return.
func (s *Service) Start(ctx context.Context) {
	for _, j := range s.jobs {
		j := j
		s.cron.Schedule(j.sched, cron.FuncJob(func() { j.run(ctx) }))
		log.Info().Str("job", j.name).Time("next_run", j.sched.Next(time.Now())).Msg("periodic job registered")
	}
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("periodic service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("periodic service stopped")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Jobs returns the registered job names in registration order.
func (s *Service) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.name)
	}
	return out
}

// CleanOnce deletes expired results and fails stuck tasks.
func (s *Service) CleanOnce(ctx context.Context) (backend.CleanReport, error) {
	report, err := s.backend.Clean(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to clean tasks")
		return report, err
	}
	if !report.Empty() {
		s.metrics.TasksCleaned(len(report.Deleted), len(report.Failed))
		log.Info().
			Int("deleted", len(report.Deleted)).
			Int("failed", len(report.Failed)).
			Msg("cleaned tasks")
	}
	return report, nil
}

func (s *Service) fire(ctx context.Context, r Recurring) error {
	t, err := s.submit.Submit(ctx, r.Task, r.Params, queue.SubmitOptions{
		Timeout:   r.Timeout,
		ResultTTL: r.ResultTTL,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", r.Name).Msg("failed to submit scheduled task")
		return err
	}
	log.Info().
		Str("schedule", r.Name).
		Str("task_id", t.ID).
		Str("task_name", t.Name).
		Msg("scheduled task submitted")
	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
