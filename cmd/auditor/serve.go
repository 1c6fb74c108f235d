package main

import (
	"EscrowAudit/internal/config"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/persistence"
	"EscrowAudit/internal/projection"
	"EscrowAudit/internal/query"
	"EscrowAudit/internal/server"
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// runServe answers report queries until SIGINT/SIGTERM. Every request
// replays the configured source in its own session.
func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) error {
	if cfg.Replay.Source == config.SourceFile && cfg.Replay.Input == "" {
		return errors.New("AUDIT_INPUT is required to serve the file source")
	}

	d, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	clock, err := blockClock(cfg, d, logger, metrics)
	if err != nil {
		return err
	}
	var roles *projection.RoleBook
	if cfg.Replay.RolesFile != "" {
		if roles, err = projection.LoadRoleBook(cfg.Replay.RolesFile); err != nil {
			return err
		}
	}

	svc := query.NewAuditService(sourceFactory(cfg, d, logger, metrics), query.Options{
		Clock:     clock,
		Roles:     roles,
		MaxEvents: cfg.Replay.MaxEvents,
		Logger:    logger,
		Metrics:   metrics,
	})

	health := observability.NewHealthChecker()
	deps := server.Deps{
		Audit:          svc,
		HealthChecker:  health,
		Metrics:        metrics,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if d.db != nil {
		deps.Runs = persistence.NewRunStore(d.db)
		health.AddCheck("postgres", d.db.PingContext)
	}
	if d.nc != nil {
		health.AddCheck("nats", func(ctx context.Context) error {
			if !d.nc.IsConnected() {
				return fmt.Errorf("nats status %s", d.nc.Status())
			}
			return nil
		})
	}
	if d.redis != nil {
		health.AddCheck("redis", func(ctx context.Context) error {
			return d.redis.Ping(ctx).Err()
		})
	}

	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })

	srv.SetServing(true)
	logger.Info().
		Str("source", cfg.Replay.Source).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("auditor ready")

	err = g.Wait()
	srv.SetServing(false)
	logger.Info().Msg("auditor shutdown complete")
	return err
}
