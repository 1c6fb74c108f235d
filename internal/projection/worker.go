package projection

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/observability"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// BuildReport formats a session result into a sink-ready report.
func BuildReport(runID string, res *core.Result, emitter *Emitter) *Report {
	return &Report{
		RunID:          runID,
		TargetIssuance: res.TargetIssuance,
		Hash:           res.Hash,
		Events:         res.Events,
		Rows:           emitter.Rows(res.Records),
		Violations:     emitter.ViolationRows(res.Violations),
	}
}

// ReportWorker fans finished reports out to every configured sink. A failing
// sink does not stop delivery to the others.
type ReportWorker struct {
	sinks     []Sink
	inputChan <-chan *Report
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewReportWorker(sinks []Sink, inputChan <-chan *Report, logger zerolog.Logger, metrics *observability.Metrics) *ReportWorker {
	return &ReportWorker{
		sinks:     sinks,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run drains the input channel until it is closed or ctx is done. Delivery
// failures are logged and the loop continues.
func (w *ReportWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case report, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if err := w.Deliver(ctx, report); err != nil {
				w.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("report delivery incomplete")
			}
		}
	}
}

// Deliver writes report to every sink and joins the failures.
func (w *ReportWorker) Deliver(ctx context.Context, report *Report) error {
	var errs []error
	for _, sink := range w.sinks {
		if err := sink.WriteReport(ctx, report); err != nil {
			if w.metrics != nil {
				w.metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
			}
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
			continue
		}
		if w.metrics != nil {
			w.metrics.SinkRowsWritten.WithLabelValues(sink.Name()).Add(float64(len(report.Rows)))
		}
		w.logger.Info().
			Str("sink", sink.Name()).
			Str("run_id", report.RunID).
			Int("rows", len(report.Rows)).
			Int("violations", len(report.Violations)).
			Msg("report written")
	}
	return errors.Join(errs...)
}
