package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"workq/internal/queue"
	"workq/internal/worker"
)

var ErrNotStarted = errors.New("queue not opened yet")

type QueueConfig struct {
	Name         string
	Path         string
	PollInterval time.Duration
}

// OpenQueue creates the named on-host queue, or attaches to it when it
// already exists.
func OpenQueue(cfg QueueConfig) (*queue.SQLiteChannel, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	return queue.OpenSQLite(cfg.Path, cfg.Name, cfg.PollInterval)
}

type Options struct {
	Queue      QueueConfig
	Workers    int
	Flavor     worker.Flavor
	ConfigPath string
	Spawner    Spawner
	// Backoff overrides the restart delay of crashed workers.
	Backoff func(attempts int) time.Duration
}

// Provisioner owns the host's queue and worker processes.
type Provisioner struct {
	opts Options

	mu  sync.Mutex
	ch  *queue.SQLiteChannel
	sup *Supervisor
}

// Setup wires provisioning into lc: the queue is opened on start and the
// workers are launched once the host is ready.
func Setup(lc Lifecycle, opts Options) *Provisioner {
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Flavor == "" {
		opts.Flavor = worker.FlavorIO
	}
	p := &Provisioner{opts: opts}
	lc.OnMainProcessStart(p.openQueue)
	lc.OnMainProcessReady(p.startWorkers)
	return p
}

// Channel is the queue opened by the start hook.
func (p *Provisioner) Channel() (*queue.SQLiteChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil, ErrNotStarted
	}
	return p.ch, nil
}

func (p *Provisioner) openQueue(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return nil
	}
	ch, err := OpenQueue(p.opts.Queue)
	if err != nil {
		return err
	}
	p.ch = ch
	log.Info().Str("queue", p.opts.Queue.Name).Str("path", p.opts.Queue.Path).Msg("queue ready")
	return nil
}

func (p *Provisioner) startWorkers(ctx context.Context) error {
	specs := make([]WorkerSpec, p.opts.Workers)
	for i := range specs {
		specs[i] = WorkerSpec{Index: i, Flavor: p.opts.Flavor, Queue: p.opts.Queue.Name, ConfigPath: p.opts.ConfigPath}
	}
	sup := NewSupervisor(p.opts.Spawner, specs)
	if p.opts.Backoff != nil {
		sup.backoff = p.opts.Backoff
	}
	p.mu.Lock()
	p.sup = sup
	p.mu.Unlock()
	sup.Start(ctx)
	log.Info().Int("workers", len(specs)).Str("worker_type", p.opts.Flavor.String()).Msg("workers launched")
	return nil
}

// Wait blocks until every worker has exited after the ready context was
// cancelled.
func (p *Provisioner) Wait() error {
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Wait()
}

// Close releases the queue handle.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
