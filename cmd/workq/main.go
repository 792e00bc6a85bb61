package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/backend"
	"workq/internal/config"
	"workq/internal/handlers"
	"workq/internal/metrics"
	"workq/internal/runner"
)

const usage = `usage: workq <command> [flags]

commands:
  serve                          run the host: queue, workers, periodic jobs and HTTP API
  worker --type io|cpu --queue Q run a worker process (started by serve)
  tasks run <name> --package APP run a task in this process
  tasks list                     list stored tasks
  tasks clean-failed             delete failed tasks past their result ttl
  tasks delete <id>              delete a task
  tasks clean                    delete expired results and fail stuck tasks
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCmd(os.Args[2:])
	case "worker":
		err = workerCmd(os.Args[2:])
	case "tasks":
		err = tasksCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg(os.Args[1] + " failed")
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up the global logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Server)
	return cfg, nil
}

func setupLogging(s config.ServerConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if s.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Int("pid", os.Getpid()).Logger()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newPromRegistry() (*prometheus.Registry, *metrics.PromMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewPromMetrics(reg)
}

// openBackend returns a nil backend when none is configured.
func openBackend(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	b, err := backend.Open(ctx, cfg)
	if errors.Is(err, backend.ErrNotConfigured) {
		log.Warn().Msg("no tasks backend configured, task state will not be stored")
		return nil, nil
	}
	return b, err
}

func newExecutor(appName string, b backend.Backend, m metrics.Recorder) *runner.Executor {
	reg := runner.NewRegistry()
	handlers.Register(reg, appName)
	return runner.NewExecutor(reg, b, runner.WithMetrics(m))
}
