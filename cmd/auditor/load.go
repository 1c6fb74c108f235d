package main

import (
	"EscrowAudit/internal/config"
	"EscrowAudit/internal/ingestion"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/persistence"
	"EscrowAudit/migrations"
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// runLoad copies an exported event log into Postgres or the NATS event
// stream, and optionally seeds the Redis block timestamp cache.
func runLoad(ctx context.Context, cfg *config.Config, args []string, logger zerolog.Logger, metrics *observability.Metrics) error {
	flags := flag.NewFlagSet("load", flag.ContinueOnError)
	input := flags.String("input", cfg.Replay.Input, "JSON lines event log")
	target := flags.String("to", config.SourcePostgres, "destination: postgres or nats")
	migrate := flags.Bool("migrate", true, "apply pending migrations before loading (postgres)")
	flags.StringVar(&cfg.Replay.BlockTimesFile, "block-times", cfg.Replay.BlockTimesFile, "JSON block-height-to-timestamp map to seed into Redis")
	flags.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis block timestamp cache (addr or redis:// URL)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	switch *target {
	case config.SourcePostgres:
		if cfg.DB.DSN == "" {
			return fmt.Errorf("%s is required to load into postgres", config.EnvDBDSN)
		}
	case config.SourceNATS:
		if cfg.NATS.URL == "" {
			return fmt.Errorf("%s is required to load into nats", config.EnvNATSURL)
		}
	default:
		return fmt.Errorf("unknown load target %q", *target)
	}

	d, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if d.redis != nil && cfg.Replay.BlockTimesFile != "" {
		if err := seedBlockTimes(ctx, cfg, d, logger); err != nil {
			return err
		}
	}
	if *input == "" {
		if cfg.Replay.BlockTimesFile != "" {
			return nil
		}
		return errors.New("--input is required")
	}

	start := time.Now()
	var loaded int
	switch *target {
	case config.SourcePostgres:
		if *migrate {
			if err := persistence.NewMigrator(d.db, migrationFiles(cfg.DB.MigrationsDir), logger).Up(ctx); err != nil {
				return err
			}
		}
		loaded, err = loadPostgres(ctx, cfg, d, *input, logger, metrics)
	case config.SourceNATS:
		loaded, err = loadNATS(ctx, d, *input, logger, metrics)
	}
	if err != nil {
		return err
	}

	logger.Info().
		Str("to", *target).
		Int("loaded", loaded).
		Dur("elapsed", time.Since(start)).
		Msg("event log loaded")
	return nil
}

func loadPostgres(ctx context.Context, cfg *config.Config, d *deps, path string, logger zerolog.Logger, metrics *observability.Metrics) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	lines := make(chan []byte, cfg.DB.BatchSize)
	worker := persistence.NewEventLoadWorker(d.db, lines, cfg.DB.BatchSize, time.Second, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return scanner.Err()
	})
	if err := g.Wait(); err != nil {
		return worker.Loaded(), err
	}
	return worker.Loaded(), nil
}

func loadNATS(ctx context.Context, d *deps, path string, logger zerolog.Logger, metrics *observability.Metrics) (int, error) {
	if err := ingestion.EnsureStreams(ctx, d.js, logger); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	publisher := ingestion.NewEventPublisher(d.js, ingestion.NewDecoder("load", logger, metrics), logger)
	return publisher.PublishAll(ctx, f)
}

func seedBlockTimes(ctx context.Context, cfg *config.Config, d *deps, logger zerolog.Logger) error {
	static, err := ingestion.LoadStaticBlockClock(cfg.Replay.BlockTimesFile)
	if err != nil {
		return err
	}
	heights := make([]uint64, 0, len(static))
	for h := range static {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	clock := ingestion.NewRedisBlockClock(d.redis, cfg.Redis.KeyPrefix)
	for _, h := range heights {
		if err := clock.Store(ctx, h, static[h]); err != nil {
			return err
		}
	}
	logger.Info().Int("blocks", len(heights)).Msg("block times seeded")
	return nil
}

// migrationFiles returns dir when set, else the migrations built into the
// binary.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.Files
	}
	return os.DirFS(dir)
}
