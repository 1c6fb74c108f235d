package main

import (
	"EscrowAudit/internal/config"
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/ingestion"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/persistence"
	"EscrowAudit/internal/query"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// exitViolations is returned by replay --fail-on-violation when the report
// carries at least one violation.
const exitViolations = 2

var errViolations = errors.New("report contains violations")

// blockCacheSize bounds the process-wide block timestamp LRU.
const blockCacheSize = 100_000

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: auditor <replay|load|serve> [flags]")
	fmt.Fprintln(os.Stderr, "  replay - rebuild the audit report for one issuance")
	fmt.Fprintln(os.Stderr, "  load   - load an exported event log into Postgres or NATS")
	fmt.Fprintln(os.Stderr, "  serve  - serve reports over HTTP/JSON")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'auditor <command> -h' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("auditor", observability.ParseLevel(cfg.App.LogLevel))
	metrics := observability.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "replay":
		err = runReplay(ctx, cfg, args, logger, metrics)
	case "load":
		err = runLoad(ctx, cfg, args, logger, metrics)
	case "serve":
		err = runServe(ctx, cfg, logger, metrics)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if errors.Is(err, errViolations) {
		logger.Warn().Msg("exiting with violations")
		os.Exit(exitViolations)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		os.Exit(1)
	}
}

// ============================================================================
// Shared wiring
// ============================================================================

// deps holds the connections opened for a command. Fields are nil when the
// backing service is not configured.
type deps struct {
	db    *sql.DB
	nc    *nats.Conn
	js    jetstream.JetStream
	redis *redis.Client
}

func (d *deps) Close() {
	if d.redis != nil {
		d.redis.Close()
	}
	if d.nc != nil {
		d.nc.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func openPostgres(ctx context.Context, cfg config.DBConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")
	return db, nil
}

// connect opens every backend the configuration names.
func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}
	if cfg.DB.DSN != "" {
		db, err := openPostgres(ctx, cfg.DB, logger)
		if err != nil {
			return nil, err
		}
		d.db = db
	}
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.nc, d.js = nc, js
	}
	if cfg.Redis.Addr != "" {
		client, err := ingestion.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.redis = client
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected")
	}
	return d, nil
}

// blockClock prefers the Redis cache and falls back to a static file. A nil
// clock leaves unresolved timestamps empty.
func blockClock(cfg *config.Config, d *deps, logger zerolog.Logger, metrics *observability.Metrics) (core.BlockClock, error) {
	if d.redis != nil {
		redisClock := ingestion.NewRedisBlockClock(d.redis, cfg.Redis.KeyPrefix)
		return core.NewLRUBlockClock(redisClock, blockCacheSize, metrics), nil
	}
	if cfg.Replay.BlockTimesFile != "" {
		clock, err := ingestion.LoadStaticBlockClock(cfg.Replay.BlockTimesFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("blocks", len(clock)).Msg("block times loaded")
		return clock, nil
	}
	return nil, nil
}

// sourceFactory opens a fresh event source per session.
func sourceFactory(cfg *config.Config, d *deps, logger zerolog.Logger, metrics *observability.Metrics) query.SourceFactory {
	noop := func() error { return nil }

	return func(ctx context.Context) (core.Source, func() error, error) {
		switch cfg.Replay.Source {
		case config.SourceFile:
			src, err := ingestion.OpenFileSource(cfg.Replay.Input, logger, metrics)
			if err != nil {
				return nil, nil, err
			}
			return src, src.Close, nil

		case config.SourcePostgres:
			if d.db == nil {
				return nil, nil, errors.New("postgres is not configured")
			}
			return persistence.NewEventLogSource(d.db, cfg.DB.PageSize, logger, metrics), noop, nil

		case config.SourceNATS:
			if d.js == nil {
				return nil, nil, errors.New("nats is not configured")
			}
			srcCfg := ingestion.DefaultNATSSourceConfig()
			srcCfg.Stream = cfg.NATS.Stream
			srcCfg.BatchSize = cfg.NATS.FetchBatch
			srcCfg.MaxWait = cfg.NATS.FetchWait
			src, err := ingestion.NewNATSSource(ctx, d.js, srcCfg, logger, metrics)
			if err != nil {
				return nil, nil, err
			}
			return src, noop, nil

		default:
			return nil, nil, fmt.Errorf("unknown source %q", cfg.Replay.Source)
		}
	}
}
