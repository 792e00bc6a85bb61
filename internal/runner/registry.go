package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrInvalidParams = errors.New("invalid task params")
	// ErrTimeout may be returned by task functions to report a deadline of their own.
	ErrTimeout = errors.New("task timed out")
)

// Call is a task invocation whose parameters have already been decoded.
type Call func(ctx context.Context) (any, error)

// Prepare decodes raw task params into a ready Call.
type Prepare func(params map[string]any) (Call, error)

// Registry maps qualified task names ("<app>.<name>") to task functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Prepare
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Prepare)}
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Prepare) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Resolve finds the function for a task name. Names without a dot are
// looked up in the app's namespace, anything else is taken as qualified.
func (r *Registry) Resolve(appName, name string) (Prepare, error) {
	full := Qualify(appName, name)
	r.mu.RLock()
	fn, ok := r.fns[full]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, full)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for k := range r.fns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func Qualify(appName, name string) string {
	if strings.Contains(name, ".") || appName == "" {
		return name
	}
	return appName + "." + name
}

// Handle registers a context-aware task function. Its params are decoded
// into P before the task is marked running.
func Handle[P, R any](r *Registry, name string, fn func(context.Context, P) (R, error)) {
	r.Register(name, func(params map[string]any) (Call, error) {
		p, err := DecodeParams[P](params)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			return fn(ctx, p)
		}, nil
	})
}

// HandleBlocking registers a plain blocking function that takes no context.
// Every queued execution owns its goroutine, so it cannot hold up polling.
func HandleBlocking[P, R any](r *Registry, name string, fn func(P) (R, error)) {
	r.Register(name, func(params map[string]any) (Call, error) {
		p, err := DecodeParams[P](params)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (any, error) {
			return fn(p)
		}, nil
	})
}

// DecodeParams converts a task's JSON params into the typed argument P.
func DecodeParams[P any](params map[string]any) (P, error) {
	var p P
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}
