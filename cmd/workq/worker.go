package main

import (
	"context"
	"errors"
	"flag"
	"net/http"

	"github.com/rs/zerolog/log"

	"workq/internal/api"
	"workq/internal/provision"
	"workq/internal/queue"
	"workq/internal/scheduler"
	"workq/internal/worker"
)

func workerCmd(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	flavorName := fs.String("type", "", "worker type: io or cpu (defaults to tasks.workers.type)")
	queueName := fs.String("queue", "", "queue name (defaults to tasks.queue.name)")
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics on this address")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *flavorName == "" {
		*flavorName = cfg.Tasks.Workers.Type
	}
	flavor, err := worker.ParseFlavor(*flavorName)
	if err != nil {
		return err
	}
	if *queueName == "" {
		*queueName = cfg.Tasks.Queue.Name
	}

	ctx, stop := signalContext()
	defer stop()

	promReg, m := newPromRegistry()
	b, err := openBackend(ctx, cfg.Tasks.Backend)
	if err != nil {
		return err
	}
	if b != nil {
		defer b.Close()
	}

	ch, err := provision.OpenQueue(provision.QueueConfig{
		Name:         *queueName,
		Path:         cfg.Tasks.Queue.Path,
		PollInterval: cfg.Tasks.Queue.PollInterval,
	})
	if err != nil {
		return err
	}
	q := queue.New(*queueName, cfg.Tasks.AppName, ch)
	defer q.Close()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: api.NewMetricsServer(promReg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	log.Info().Str("queue", *queueName).Str("worker_type", flavor.String()).Msg("worker ready")
	err = worker.Run(ctx, flavor, q, newExecutor(cfg.Tasks.AppName, b, m), scheduler.Options{
		MaxJobs:      cfg.Tasks.Workers.MaxJobs,
		IdleDelay:    cfg.Tasks.Workers.IdleDelay,
		DrainTimeout: cfg.Tasks.Workers.DrainTimeout,
		Backend:      b,
		Metrics:      m,
	})
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}
