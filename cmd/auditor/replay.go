package main

import (
	"EscrowAudit/internal/config"
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/ingestion"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/persistence"
	"EscrowAudit/internal/projection"
	"EscrowAudit/internal/query"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func runReplay(ctx context.Context, cfg *config.Config, args []string, logger zerolog.Logger, metrics *observability.Metrics) error {
	flags := flag.NewFlagSet("replay", flag.ContinueOnError)
	issuance := flags.Uint64("issuance", cfg.Replay.TargetIssuance, "target issuance id")
	flags.StringVar(&cfg.Replay.Source, "source", cfg.Replay.Source, "event source: file, postgres or nats")
	flags.StringVar(&cfg.Replay.Input, "input", cfg.Replay.Input, "JSON lines event log (file source)")
	flags.StringVar(&cfg.Replay.RolesFile, "roles", cfg.Replay.RolesFile, "JSON address-to-role map")
	flags.StringVar(&cfg.Replay.BlockTimesFile, "block-times", cfg.Replay.BlockTimesFile, "JSON block-height-to-timestamp map")
	flags.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis block timestamp cache (addr or redis:// URL)")
	flags.IntVar(&cfg.Replay.MaxEvents, "max-events", cfg.Replay.MaxEvents, "stop after this many events (0 = all)")
	flags.BoolVar(&cfg.Replay.SortInput, "sort", cfg.Replay.SortInput, "sort the log by position before replay")
	flags.BoolVar(&cfg.Replay.FailOnViolation, "fail-on-violation", cfg.Replay.FailOnViolation, "exit 2 when the report has violations")
	out := flags.String("out", "", "report output path (default stdout)")
	format := flags.String("format", "csv", "report format: csv or jsonl")
	violationsPath := flags.String("violations", "", "violations CSV path (csv format)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *format != "csv" && *format != "jsonl" {
		return fmt.Errorf("unknown format %q", *format)
	}
	if cfg.Replay.Source == config.SourceFile && cfg.Replay.Input == "" {
		return errors.New("--input is required for the file source")
	}
	if err := cfg.Validate(); err != nil {
		return err
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
		logger.Info().Int("addresses", roles.Len()).Msg("role book loaded")
	}

	sources := sourceFactory(cfg, d, logger, metrics)
	if cfg.Replay.SortInput {
		sources = sorted(sources)
	}
	svc := query.NewAuditService(sources, query.Options{
		Clock:     clock,
		Roles:     roles,
		MaxEvents: cfg.Replay.MaxEvents,
		Logger:    logger,
		Metrics:   metrics,
	})

	// --- Replay ---
	start := time.Now()
	runID := uuid.NewString()
	report, res, err := svc.Report(ctx, *issuance, runID)
	if err != nil {
		return err
	}

	// --- Sinks ---
	if cfg.NATS.PublishReports && d.js != nil {
		if err := ingestion.EnsureStreams(ctx, d.js, logger); err != nil {
			return err
		}
	}
	sinks, closeSinks, err := reportSinks(cfg, d, *out, *format, *violationsPath, logger, metrics)
	if err != nil {
		return err
	}
	defer closeSinks()

	worker := projection.NewReportWorker(sinks, nil, logger, metrics)
	if err := worker.Deliver(ctx, report); err != nil {
		return err
	}

	logger.Info().
		Str("run_id", runID).
		Uint64("issuance", *issuance).
		Int("events", res.Events).
		Int("rows", len(report.Rows)).
		Int("violations", len(report.Violations)).
		Int("negative_balances", len(res.NegativeBalances())).
		Bool("truncated", res.Truncated).
		Str("hash", res.Hash).
		Dur("elapsed", time.Since(start)).
		Msg("replay finished")

	if cfg.Replay.FailOnViolation && len(report.Violations) > 0 {
		return errViolations
	}
	return nil
}

// sorted wraps a factory so each session sees the log in position order.
func sorted(inner query.SourceFactory) query.SourceFactory {
	return func(ctx context.Context) (core.Source, func() error, error) {
		src, closeFn, err := inner(ctx)
		if err != nil {
			return nil, nil, err
		}
		defer closeFn()

		events, err := ingestion.ReadAll(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		core.SortEvents(events)
		return core.NewSliceSource(events), func() error { return nil }, nil
	}
}

func reportSinks(cfg *config.Config, d *deps, out, format, violationsPath string, logger zerolog.Logger, metrics *observability.Metrics) ([]projection.Sink, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return nil, nil, fmt.Errorf("create report: %w", err)
		}
		closers = append(closers, f)
		w = f
	}

	var sinks []projection.Sink
	switch format {
	case "jsonl":
		sinks = append(sinks, projection.NewJSONLinesSink(w))
	default:
		var vw io.Writer
		if violationsPath != "" {
			f, err := os.Create(violationsPath)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("create violations report: %w", err)
			}
			closers = append(closers, f)
			vw = f
		}
		sinks = append(sinks, projection.NewCSVSink(w, vw))
	}

	if cfg.DB.PersistReports && d.db != nil {
		sinks = append(sinks, persistence.NewReportStore(d.db, cfg.DB.BatchSize, persistence.DefaultRetryPolicy(), logger, metrics))
	}
	if cfg.NATS.PublishReports && d.js != nil {
		sinks = append(sinks, ingestion.NewReportPublisher(d.js))
	}
	return sinks, closeAll, nil
}
