package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"workq/internal/api"
	"workq/internal/periodic"
	"workq/internal/provision"
	"workq/internal/queue"
	"workq/internal/worker"
)

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	addr := fs.String("addr", "", "HTTP bind address (overrides server.addr)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	flavor, err := worker.ParseFlavor(cfg.Tasks.Workers.Type)
	if err != nil {
		return err
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
	exec := newExecutor(cfg.Tasks.AppName, b, m)

	hooks := &provision.Hooks{}
	prov := provision.Setup(hooks, provision.Options{
		Queue: provision.QueueConfig{
			Name:         cfg.Tasks.Queue.Name,
			Path:         cfg.Tasks.Queue.Path,
			PollInterval: cfg.Tasks.Queue.PollInterval,
		},
		Workers:    cfg.Tasks.Workers.Count,
		Flavor:     flavor,
		ConfigPath: *configPath,
	})
	defer prov.Close()

	if err := hooks.Start(ctx); err != nil {
		return err
	}
	ch, err := prov.Channel()
	if err != nil {
		return err
	}
	q := queue.New(cfg.Tasks.Queue.Name, cfg.Tasks.AppName, ch,
		queue.WithBackend(b), queue.WithExecutor(exec), queue.WithMetrics(m))

	svc, err := periodic.New(b, q, periodic.Options{
		CleanSchedule: cfg.Tasks.CleanSchedule,
		Schedules:     cfg.Tasks.Schedules,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	go svc.Start(ctx)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServer(api.Options{
		Queue:     q,
		Backend:   b,
		Gatherer:  promReg,
		Schedules: cfg.Tasks.Schedules,
		Debug:     cfg.Server.Debug,
	})}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	if err := hooks.Ready(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	svc.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	return prov.Wait()
}
