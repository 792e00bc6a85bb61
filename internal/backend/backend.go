package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"workq/internal/domain"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrDuplicateTask  = errors.New("task already exists")
	ErrUnknownBackend = errors.New("unknown backend class")
	ErrNotConfigured  = errors.New("no tasks backend configured")
)

// StuckResult is stored on CREATED tasks that outlived their timeout.
var StuckResult = json.RawMessage(`{"error":"timeout, could be running"}`)

// Backend persists task records and results.
type Backend interface {
	AddTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	SetResult(ctx context.Context, id string, result json.RawMessage, status domain.Status) error
	DeleteTask(ctx context.Context, id string) error
	CleanFailed(ctx context.Context) ([]string, error)
	Clean(ctx context.Context) (CleanReport, error)
	Close() error
}

// CleanReport lists what a Clean pass changed.
type CleanReport struct {
	Deleted []string // done tasks past their result ttl
	Failed  []string // created tasks past their timeout
}

// resultSettable guards SetResult: a result is written once, on the move
// into a terminal state.
func resultSettable(t *domain.Task) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s already %s", domain.ErrInvalidTransition, t.ID, t.State)
	}
	return nil
}

func (r CleanReport) Empty() bool { return len(r.Deleted) == 0 && len(r.Failed) == 0 }

type Config struct {
	URI          string         `mapstructure:"uri"`
	BackendClass string         `mapstructure:"backend_class"`
	Options      map[string]any `mapstructure:"options"`
}

// Enabled reports whether the configuration names a backend at all.
func (c Config) Enabled() bool {
	return c.URI != "" || c.BackendClass == ClassMemory
}

const (
	ClassSQL    = "sql"
	ClassMemory = "memory"
)

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces the wall clock used to stamp and age tasks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type Factory func(ctx context.Context, cfg Config, opts ...Option) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		ClassSQL:    OpenSQL,
		ClassMemory: OpenMemory,
	}
)

// Register makes a backend implementation available under a class name.
func Register(class string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[class] = f
}

func Classes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open instantiates the configured backend class and makes sure its storage exists.
func Open(ctx context.Context, cfg Config, opts ...Option) (Backend, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	class := cfg.BackendClass
	if class == "" {
		class = ClassSQL
	}
	factoriesMu.RLock()
	f, ok := factories[class]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, class)
	}
	return f(ctx, cfg, opts...)
}

func clone(t *domain.Task) *domain.Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}
