package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workq/internal/scheduler"
)

var ErrUnknownFlavor = errors.New("unknown worker type")

// Flavor selects how a worker process consumes its queue.
type Flavor string

const (
	// FlavorIO runs tasks concurrently under a Scheduler.
	FlavorIO Flavor = "io"
	// FlavorCPU runs one task at a time.
	FlavorCPU Flavor = "cpu"
)

func ParseFlavor(s string) (Flavor, error) {
	switch f := Flavor(strings.ToLower(strings.TrimSpace(s))); f {
	case FlavorIO, FlavorCPU:
		return f, nil
	case "":
		return FlavorIO, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFlavor, s)
	}
}

func (f Flavor) String() string { return string(f) }

// Run consumes src until ctx is done using the strategy of the given flavor.
func Run(ctx context.Context, f Flavor, src scheduler.Source, exec scheduler.Executor, opts scheduler.Options) error {
	switch f {
	case FlavorCPU:
		return RunSequential(ctx, src, exec)
	case FlavorIO:
		return RunConcurrent(ctx, src, exec, opts)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFlavor, string(f))
	}
}
