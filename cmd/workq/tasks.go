package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/worker"
)

var errNoBackend = errors.New("no tasks backend configured")

func tasksCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("tasks: missing subcommand (run, list, clean-failed, delete, clean)")
	}
	switch args[0] {
	case "run":
		return runTaskCmd(args[1:])
	case "list":
		return withBackend("list", args[1:], 0, func(ctx context.Context, b backend.Backend, _ []string) error {
			tasks, err := b.ListTasks(ctx)
			if err != nil {
				return err
			}
			printTasks(os.Stdout, tasks)
			return nil
		})
	case "clean-failed":
		return withBackend("clean-failed", args[1:], 0, func(ctx context.Context, b backend.Backend, _ []string) error {
			ids, err := b.CleanFailed(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintf(os.Stdout, "deleted %s\n", id)
			}
			fmt.Fprintf(os.Stdout, "%d failed tasks deleted\n", len(ids))
			return nil
		})
	case "delete":
		return withBackend("delete", args[1:], 1, func(ctx context.Context, b backend.Backend, pos []string) error {
			if err := b.DeleteTask(ctx, pos[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "task %s deleted\n", pos[0])
			return nil
		})
	case "clean":
		return withBackend("clean", args[1:], 0, func(ctx context.Context, b backend.Backend, _ []string) error {
			report, err := b.Clean(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d expired tasks deleted, %d stuck tasks failed\n", len(report.Deleted), len(report.Failed))
			return nil
		})
	default:
		return fmt.Errorf("tasks: unknown subcommand %q", args[0])
	}
}

// withBackend parses the common flags of the inspection commands and runs
// fn against the configured backend.
func withBackend(name string, args []string, positional int, fn func(context.Context, backend.Backend, []string) error) error {
	fs := flag.NewFlagSet("tasks "+name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	pos := parseInterspersed(fs, args)
	if len(pos) != positional {
		return fmt.Errorf("tasks %s: expected %d argument(s), got %d", name, positional, len(pos))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Tasks.Backend.Enabled() {
		return errNoBackend
	}
	ctx, stop := signalContext()
	defer stop()

	b, err := backend.Open(ctx, cfg.Tasks.Backend)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b, pos)
}

type paramFlags map[string]any

func (p paramFlags) String() string {
	raw, _ := json.Marshal(map[string]any(p))
	return string(raw)
}

// Set takes key=value. Values that parse as JSON keep their type, anything
// else is a string.
func (p paramFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("param %q is not key=value", s)
	}
	var decoded any
	dec := json.NewDecoder(strings.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err == nil && !dec.More() {
		p[k] = decoded
	} else {
		p[k] = v
	}
	return nil
}

func runTaskCmd(args []string) error {
	fs := flag.NewFlagSet("tasks run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	params := paramFlags{}
	fs.Var(params, "param", "task param as key=value (repeatable)")
	timeout := fs.Int("timeout", domain.DefaultTimeout, "task timeout in seconds")
	flavorName := fs.String("worker-type", "io", "io or cpu")
	pkg := fs.String("package", "", "app name the task belongs to (required)")
	pos := parseInterspersed(fs, args)
	if len(pos) != 1 {
		return fmt.Errorf("tasks run: expected a task name")
	}
	if *pkg == "" {
		return fmt.Errorf("tasks run: --package is required")
	}
	flavor, err := worker.ParseFlavor(*flavorName)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	b, err := openBackend(ctx, cfg.Tasks.Backend)
	if err != nil {
		return err
	}
	if b != nil {
		defer b.Close()
	}

	t, err := domain.NewTask(pos[0], *pkg, params)
	if err != nil {
		return err
	}
	t.Timeout = *timeout

	_, m := newPromRegistry()
	runCtx := ctx
	if flavor == worker.FlavorCPU {
		// cpu tasks run to completion even when interrupted
		runCtx = context.WithoutCancel(ctx)
	}
	final, err := worker.RunStandalone(runCtx, b, newExecutor(*pkg, b, m), t)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "task %s %s\n", final.ID, final.State)
	if len(final.Result) > 0 {
		fmt.Fprintf(os.Stdout, "%s\n", final.Result)
	}
	if final.State != domain.StatusDone {
		return fmt.Errorf("task %s ended %s", final.ID, final.State)
	}
	return nil
}

// parseInterspersed lets positional arguments appear between flags.
func parseInterspersed(fs *flag.FlagSet, args []string) []string {
	var pos []string
	for {
		_ = fs.Parse(args)
		args = fs.Args()
		if len(args) == 0 {
			return pos
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func printTasks(w io.Writer, tasks []*domain.Task) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tAPP\tSTATE\tELAPSED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.AppName, t.State, elapsed(t.UpdatedAt.Sub(t.CreatedAt)))
	}
	_ = tw.Flush()
}

func elapsed(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs > 120 {
		return fmt.Sprintf("~%dm", int((d+30*time.Second)/time.Minute))
	}
	return fmt.Sprintf("%ds", secs)
}
