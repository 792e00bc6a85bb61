package provision

import (
	"context"
	"fmt"
	"sync"
)

// Hook is run by the host process at a lifecycle milestone.
type Hook func(ctx context.Context) error

// Lifecycle lets components attach work to the host's startup.
type Lifecycle interface {
	// OnMainProcessStart hooks run before the host accepts submissions.
	OnMainProcessStart(Hook)
	// OnMainProcessReady hooks run once the host is serving.
	OnMainProcessReady(Hook)
}

// Hooks is a Lifecycle that runs its hooks in registration order.
type Hooks struct {
	mu    sync.Mutex
	start []Hook
	ready []Hook
}

func (h *Hooks) OnMainProcessStart(fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start = append(h.start, fn)
}

func (h *Hooks) OnMainProcessReady(fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, fn)
}

func (h *Hooks) Start(ctx context.Context) error { return run(ctx, "start", h.snapshot(&h.start)) }

func (h *Hooks) Ready(ctx context.Context) error { return run(ctx, "ready", h.snapshot(&h.ready)) }

func (h *Hooks) snapshot(list *[]Hook) []Hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Hook(nil), *list...)
}

func run(ctx context.Context, stage string, hooks []Hook) error {
	for i, fn := range hooks {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s hook %d: %w", stage, i, err)
		}
	}
	return nil
}
