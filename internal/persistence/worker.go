package persistence

import (
	"EscrowAudit/internal/ingestion"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds flushWithRetry. Backoff doubles per attempt up to
// MaxBackoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// flushWithRetry runs flush until it succeeds, the attempts are exhausted,
// or ctx is done.
func flushWithRetry(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, metrics *observability.Metrics, flush func(context.Context) error) error {
	backoff := policy.Backoff
	var err error

	for attempt := 0; attempt < max(policy.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("persistence retry")
			if metrics != nil {
				metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("flush abandoned: %w", errors.Join(err, ctx.Err()))
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, policy.MaxBackoff)
		}

		start := time.Now()
		if err = flush(ctx); err == nil {
			if metrics != nil {
				metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
			}
			if attempt > 0 {
				logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
	}
	return fmt.Errorf("flush failed after %d attempts: %w", policy.MaxAttempts, err)
}

// ReportStore persists finished reports into audit.report_runs,
// audit.report_rows and audit.violations. A report is written in one
// transaction so a run is either complete or absent.
type ReportStore struct {
	db        *sql.DB
	batchSize int
	retry     RetryPolicy
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

var _ projection.Sink = (*ReportStore)(nil)

func NewReportStore(db *sql.DB, batchSize int, retry RetryPolicy, logger zerolog.Logger, metrics *observability.Metrics) *ReportStore {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ReportStore{
		db:        db,
		batchSize: batchSize,
		retry:     retry,
		logger:    logger,
		metrics:   metrics,
	}
}

func (s *ReportStore) Name() string { return "postgres" }

// WriteReport stores the report. The run ID must be a UUID.
func (s *ReportStore) WriteReport(ctx context.Context, report *projection.Report) error {
	if _, err := uuid.Parse(report.RunID); err != nil {
		return fmt.Errorf("run id %q: %w", report.RunID, err)
	}
	return flushWithRetry(ctx, s.retry, s.logger, s.metrics, func(ctx context.Context) error {
		return s.write(ctx, report)
	})
}

func (s *ReportStore) write(ctx context.Context, report *projection.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := WriteRun(ctx, tx, report); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	for off := 0; off < len(report.Rows); off += s.batchSize {
		end := min(off+s.batchSize, len(report.Rows))
		if err := WriteRowBatch(ctx, tx, report.RunID, off, report.Rows[off:end]); err != nil {
			return fmt.Errorf("write rows %d-%d: %w", off, end, err)
		}
	}
	for off := 0; off < len(report.Violations); off += s.batchSize {
		end := min(off+s.batchSize, len(report.Violations))
		if err := WriteViolationBatch(ctx, tx, report.RunID, off, report.Violations[off:end]); err != nil {
			return fmt.Errorf("write violations %d-%d: %w", off, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EventLoadWorker drains raw indexer logs and batch-writes them to
// audit.events. It flushes when the batch is full or the flush timeout
// expires. Undecodable logs are dropped by the decoder.
type EventLoadWorker struct {
	db           *sql.DB
	inputChan    <-chan []byte
	decoder      *ingestion.Decoder
	batchSize    int
	flushTimeout time.Duration
	retry        RetryPolicy
	logger       zerolog.Logger
	metrics      *observability.Metrics
	loaded       int
}

func NewEventLoadWorker(
	db *sql.DB,
	inputChan <-chan []byte,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *EventLoadWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &EventLoadWorker{
		db:           db,
		inputChan:    inputChan,
		decoder:      ingestion.NewDecoder("load", logger, metrics),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		retry:        DefaultRetryPolicy(),
		logger:       logger,
		metrics:      metrics,
	}
}

// Run blocks until the input channel is closed or ctx is cancelled. The
// pending batch is flushed on either exit.
func (w *EventLoadWorker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		err := flushWithRetry(ctx, w.retry, w.logger, w.metrics, func(ctx context.Context) error {
			return WriteEventBatch(ctx, w.db, batch)
		})
		if err != nil {
			return err
		}
		w.loaded += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if err := flush(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()

		case data, ok := <-w.inputChan:
			if !ok {
				return flush(ctx)
			}
			evt, err := w.decoder.Decode(data)
			if err != nil {
				continue
			}
			pos := evt.Pos()
			batch = append(batch, EventRow{
				BlockHeight: pos.BlockHeight,
				LogIndex:    pos.LogIndex,
				EventName:   evt.Kind().String(),
				Payload:     append([]byte(nil), data...),
			})
			if len(batch) >= w.batchSize {
				if err := flush(ctx); err != nil {
					return err
				}
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx); err != nil {
				return err
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// Loaded reports how many logs have been written.
func (w *EventLoadWorker) Loaded() int {
	return w.loaded
}
