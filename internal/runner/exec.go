package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/metrics"
)

// Executor runs single tasks through their lifecycle:
// CREATED -> RUNNING -> DONE | FAILED.
type Executor struct {
	reg     *Registry
	backend backend.Backend
	metrics metrics.Recorder
	now     func() time.Time
}

type ExecOption func(*Executor)

func WithMetrics(m metrics.Recorder) ExecOption {
	return func(e *Executor) { e.metrics = metrics.OrNop(m) }
}

func WithClock(now func() time.Time) ExecOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an Executor. b may be nil, in which case state only
// lives on the task values passed to Exec.
func NewExecutor(reg *Registry, b backend.Backend, opts ...ExecOption) *Executor {
	e := &Executor{reg: reg, backend: b, metrics: metrics.Nop{}, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Backend() backend.Backend { return e.backend }

// Exec executes t and records its outcome on t and in the backend. Failures
// of the task itself are recorded as a FAILED result; the returned error only
// reports that the outcome could not be persisted.
func (e *Executor) Exec(ctx context.Context, t *domain.Task) error {
	logger := log.With().
		Str("task_id", t.ID).
		Str("task_name", t.Name).
		Str("app_name", t.AppName).
		Logger()
	logger.Info().Msg("executing task")
	start := time.Now()

	prepare, err := e.reg.Resolve(t.AppName, t.Name)
	var call Call
	if err == nil {
		call, err = prepare(t.Params)
	}
	if err != nil {
		logger.Error().Err(err).Msg("task cannot be resolved")
		return e.finish(ctx, logger, t, errorResult(err), domain.StatusFailed, start)
	}

	if err := e.transition(ctx, t, domain.StatusRunning); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn().Err(err).Msg("task no longer runnable, skipping")
			return nil
		}
		logger.Error().Err(err).Msg("failed to mark task running")
		return err
	}
	e.metrics.TaskStarted(t.Name)

	res, runErr := invoke(ctx, call)

	var (
		result json.RawMessage
		status = domain.StatusDone
	)
	switch {
	case runErr == nil:
		result, err = json.Marshal(res)
		if err != nil {
			status = domain.StatusFailed
			result = errorResult(fmt.Errorf("encode result: %w", err))
		}
	case isTimeout(runErr):
		status = domain.StatusFailed
		result = timeoutResult(runErr)
		logger.Error().Err(runErr).Msg("task timed out")
	default:
		status = domain.StatusFailed
		result = errorResult(runErr)
		logger.Error().Err(runErr).Msg("task failed")
	}
	return e.finish(ctx, logger, t, result, status, start)
}

func (e *Executor) transition(ctx context.Context, t *domain.Task, to domain.Status) error {
	if e.backend != nil {
		if err := e.backend.UpdateStatus(ctx, t.ID, to); err != nil {
			return err
		}
	}
	return t.Transition(to, e.now())
}

func (e *Executor) finish(ctx context.Context, logger zerolog.Logger, t *domain.Task, result json.RawMessage, status domain.Status, start time.Time) error {
	if e.backend != nil {
		if err := e.backend.SetResult(ctx, t.ID, result, status); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				logger.Warn().Err(err).Msg("task already finished elsewhere, result dropped")
				return nil
			}
			logger.Error().Err(err).Str("state", string(status)).Msg("failed to store task result")
			return fmt.Errorf("store result of %s: %w", t.ID, err)
		}
	}
	if err := t.Transition(status, e.now()); err != nil {
		return err
	}
	t.Result = result
	t.Touch(e.now())

	d := time.Since(start)
	e.metrics.TaskFinished(t.Name, status, d)
	logger.Info().Str("state", string(status)).Dur("took", d).Msg("finished task")
	return nil
}

// PanicError carries a recovered panic and the stack it happened on.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

func invoke(ctx context.Context, call Call) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return call(ctx)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

type errorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Trace  string `json:"trace,omitempty"`
}

func errorResult(err error) json.RawMessage {
	raw, _ := json.Marshal(errorPayload{Error: err.Error(), Trace: FormatTrace(err)})
	return raw
}

func timeoutResult(err error) json.RawMessage {
	raw, _ := json.Marshal(errorPayload{Error: "timeout", Detail: err.Error(), Trace: FormatTrace(err)})
	return raw
}

// FormatTrace renders the error chain, one wrapped error per line, or the
// goroutine stack for recovered panics.
func FormatTrace(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return fmt.Sprintf("%s\n%s", p.Error(), p.Stack)
	}
	var b strings.Builder
	for i := 0; err != nil; i++ {
		fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", i), err, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}
