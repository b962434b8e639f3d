package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pufferblow/realtime-core/internal/auth"
	"github.com/pufferblow/realtime-core/internal/config"
	"github.com/pufferblow/realtime-core/internal/events"
	"github.com/pufferblow/realtime-core/internal/hub"
	"github.com/pufferblow/realtime-core/internal/logging"
	"github.com/pufferblow/realtime-core/internal/metrics"
	"github.com/pufferblow/realtime-core/internal/server"
	"github.com/pufferblow/realtime-core/internal/store"
)

func newServeCommand() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func serve(parent context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var sinks []events.Sink
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, cfg.Events.WebhookTimeout))
	}
	if cfg.Call.LogPath != "" {
		callLog, err := store.OpenCallLog(cfg.Call.LogPath)
		if err != nil {
			return err
		}
		defer callLog.Close()
		sinks = append(sinks, callLog)
	}
	dispatcher := events.NewDispatcher(cfg.Events.Workers, cfg.Events.QueueSize, cfg.Events.WebhookTimeout, m, log, sinks...)

	h := hub.New(hub.Options{
		ICEServers:  cfg.ICEServers(),
		RingTimeout: cfg.Call.RingTimeout,
	}, dispatcher, m, log)

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, auth.JWTOptions{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("jwt verifier: %w", err)
	}

	srv := server.New(cfg, h, auth.NewGuard(verifier, log), m, reg, log)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The dispatcher outlives the server so events from the final
	// disconnects are still handed to sinks.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	g := new(errgroup.Group)
	g.Go(func() error {
		defer stopDispatch()
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return dispatcher.Run(dispatchCtx)
	})

	log.Info("realtime core started",
		zap.Int("ice_servers", len(cfg.ICEServers())),
		zap.Duration("ring_timeout", cfg.Call.RingTimeout),
		zap.Int("event_sinks", len(sinks)),
	)

	err = g.Wait()
	log.Info("realtime core stopped", zap.Stringer("stats", h.Stats()))
	return err
}
