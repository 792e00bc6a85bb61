package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

var ErrMissingCommand = errors.New("command is required")

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Timeout int      `json:"timeout"` // seconds, 0 means no limit
}

type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Run executes the command and waits for it. It blocks the calling
// goroutine for the whole run.
func Run(c Cmd) (Result, error) {
	if c.Command == "" {
		return Result{}, ErrMissingCommand
	}
	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.Timeout)*time.Second)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return Result{Output: string(out), ExitCode: -1}, fmt.Errorf("shell error: %w", ctx.Err())
	}
	if err != nil {
		return Result{Output: string(out), ExitCode: cmd.ProcessState.ExitCode()}, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return Result{Output: string(out)}, nil
}
