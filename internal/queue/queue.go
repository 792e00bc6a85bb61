package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/metrics"
)

var (
	ErrNoExecutor = errors.New("debug submission needs an executor")
	ErrBadMessage = errors.New("undecodable task message")
)

// Executor runs a task to completion in the calling goroutine.
type Executor interface {
	Exec(ctx context.Context, t *domain.Task) error
}

// Queue is the producer and consumer side of one named task queue.
type Queue struct {
	name    string
	appName string
	ch      Channel
	backend backend.Backend
	exec    Executor
	metrics metrics.Recorder
}

type Option func(*Queue)

// WithBackend persists submitted tasks before they are enqueued.
func WithBackend(b backend.Backend) Option {
	return func(q *Queue) { q.backend = b }
}

// WithExecutor enables debug submissions, executed in the caller.
func WithExecutor(e Executor) Option {
	return func(q *Queue) { q.exec = e }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(q *Queue) { q.metrics = metrics.OrNop(m) }
}

func New(name, appName string, ch Channel, opts ...Option) *Queue {
	q := &Queue{name: name, appName: appName, ch: ch, metrics: metrics.Nop{}}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Name() string    { return q.name }
func (q *Queue) AppName() string { return q.appName }

// Send puts a task message on the queue without blocking.
func (q *Queue) Send(ctx context.Context, t *domain.Task) error {
	msg, err := domain.Encode(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return q.ch.Put(ctx, msg)
}

// Receive takes the next task off the queue. See Channel.Get for wait.
func (q *Queue) Receive(ctx context.Context, wait bool) (*domain.Task, error) {
	msg, err := q.ch.Get(ctx, wait)
	if err != nil {
		return nil, err
	}
	t, err := domain.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return t, nil
}

type SubmitOptions struct {
	Timeout   int // seconds, defaults to 60
	ResultTTL int // seconds, defaults to 900
	// Debug runs the task synchronously in the caller instead of enqueuing it.
	Debug bool
}

// Submit creates a task and hands it to the workers. The returned task is
// still CREATED unless opts.Debug is set, in which case it is terminal.
func (q *Queue) Submit(ctx context.Context, name string, params map[string]any, opts SubmitOptions) (*domain.Task, error) {
	t, err := domain.NewTask(name, q.appName, params)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		t.Timeout = opts.Timeout
	}
	if opts.ResultTTL > 0 {
		t.ResultTTL = opts.ResultTTL
	}
	if opts.Debug && q.exec == nil {
		return nil, ErrNoExecutor
	}

	if q.backend != nil {
		if err := q.backend.AddTask(ctx, t); err != nil {
			return nil, fmt.Errorf("persist task %s: %w", t.ID, err)
		}
	}
	q.metrics.TaskSubmitted(t.Name)

	if opts.Debug {
		if err := q.exec.Exec(ctx, t); err != nil {
			return t, err
		}
		return t, nil
	}

	if err := q.Send(ctx, t); err != nil {
		if q.backend != nil {
			// no worker will ever see the record
			if derr := q.backend.DeleteTask(context.WithoutCancel(ctx), t.ID); derr != nil {
				log.Error().Err(derr).Str("task_id", t.ID).Msg("failed to remove unqueued task")
			}
		}
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	log.Info().
		Str("task_id", t.ID).
		Str("task_name", t.Name).
		Str("queue", q.name).
		Msg("task submitted")
	return t, nil
}

func (q *Queue) Close() error { return q.ch.Close() }
