package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"workq/internal/worker"
)

// WorkerSpec describes one worker child process.
type WorkerSpec struct {
	Index      int
	Flavor     worker.Flavor
	Queue      string
	ConfigPath string
}

// Args is the command line a worker binary is started with.
func (s WorkerSpec) Args() []string {
	args := []string{"worker", "--type", s.Flavor.String(), "--queue", s.Queue}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	return args
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
}

// Spawner starts worker processes. Cancelling ctx must terminate them.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ExecSpawner starts workers by re-executing a binary, the running one by
// default. Cancelled workers get SIGTERM and are killed after GracePeriod.
type ExecSpawner struct {
	Path        string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	GracePeriod time.Duration
}

func (s ExecSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	path := s.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		path = self
	}
	cmd := exec.CommandContext(ctx, path, spec.Args()...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 70 * time.Second
	}
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", spec.Index, err)
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p execProcess) Wait() error { return p.cmd.Wait() }

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
