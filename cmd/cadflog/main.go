package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"cadflog/internal/broker"
	"cadflog/internal/directory"
	"cadflog/internal/directory/keystone"
	"cadflog/internal/dispatch"
	"cadflog/internal/platform/config"
	"cadflog/internal/platform/httpserver"
	"cadflog/internal/platform/logger"
	"cadflog/internal/platform/metrics"
	"cadflog/internal/platform/tracing"
	httptransport "cadflog/internal/transport/http"
)

// main wires the directory snapshot, the dispatcher and the broker consumer.
// Event lines go to stdout; diagnostics go to stderr.
func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadflog: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(os.Stderr, cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("CRITICAL: cadflog stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client := keystone.New(keystone.Config{
		AuthURL:  cfg.Identity.AuthURL,
		Username: cfg.Identity.Username,
		Password: cfg.Identity.Password,
		Project:  cfg.Identity.Project,
		Domain:   cfg.Identity.Domain,
	}, keystone.WithLogger(log))

	snapshot := directory.NewSnapshot(client,
		directory.WithLogger(log),
		directory.WithMetrics(m),
	)
	loaded, err := loadDirectory(ctx, snapshot, log)
	if err != nil || !loaded {
		return err
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithMetrics(m),
	}
	if cfg.Server.TraceStdout {
		tp, err := tracing.NewStdout(os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
				log.Warn("failed to flush trace spans", "error", err)
			}
		}()
		dispatchOpts = append(dispatchOpts, dispatch.WithTracerProvider(tp))
	}
	dispatcher := dispatch.New(snapshot, os.Stdout, dispatchOpts...)

	consumer := broker.NewConsumer(cfg.Broker.URI(), broker.Topology{
		Exchange:   cfg.Broker.Exchange,
		Queue:      cfg.Broker.Queue,
		BindingKey: cfg.Broker.BindingKey,
		Durable:    cfg.Broker.Durable,
	}, dispatcher,
		broker.WithLogger(log),
		broker.WithMetrics(m),
		broker.WithReconnectDelay(cfg.Broker.ReconnectDelay),
	)

	log.Info("starting cadflog",
		"broker", cfg.Broker.Redacted(),
		"exchange", cfg.Broker.Exchange,
		"queue", cfg.Broker.Queue,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})

	if cfg.Server.MetricsAddr != "" {
		router := httptransport.NewRouter(httptransport.NewHandler(consumer, reg, log))
		srv := httpserver.New(cfg.Server.MetricsAddr, router)
		log.Info("serving ops endpoints", "addr", cfg.Server.MetricsAddr)
		g.Go(func() error {
			return httpserver.Serve(gctx, srv)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("cadflog stopped")
	return nil
}

// loadDirectory performs the initial population. A shutdown signal received
// while it runs is a clean stop, reported as loaded == false with no error.
func loadDirectory(ctx context.Context, snapshot *directory.Snapshot, log *slog.Logger) (bool, error) {
	if err := snapshot.Populate(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown requested during initial directory load")
			return false, nil
		}
		return false, fmt.Errorf("initial directory load: %w", err)
	}
	log.Info("directory loaded",
		"users", len(snapshot.Users()),
		"projects", len(snapshot.Projects()),
	)
	return true, nil
}
