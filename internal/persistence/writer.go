package persistence

import (
	"EscrowAudit/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow represents a row in audit.events
type EventRow struct {
	BlockHeight uint64
	LogIndex    uint64
	EventName   string
	Payload     []byte // The indexer's JSON log entry, stored verbatim
}

const (
	eventColumns     = 4
	reportRowColumns = 22
	violationColumns = 13
)

// insertQuery builds a multi-row INSERT with positional placeholders.
func insertQuery(prefix string, rows, cols int, suffix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	if suffix != "" {
		b.WriteByte(' ')
		b.WriteString(suffix)
	}
	return b.String()
}

// WriteEventBatch writes a batch of logs to audit.events using multi-row
// INSERT. Positions already present are left untouched.
func WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := insertQuery(
		`INSERT INTO audit.events (block_height, log_index, event_name, payload)`,
		len(events), eventColumns,
		"ON CONFLICT (block_height, log_index) DO NOTHING",
	)
	args := make([]any, 0, len(events)*eventColumns)
	for _, e := range events {
		args = append(args, int64(e.BlockHeight), int64(e.LogIndex), e.EventName, string(e.Payload))
	}

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteRun inserts the audit.report_runs header for a report.
func WriteRun(ctx context.Context, db execer, report *projection.Report) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit.report_runs (run_id, target_issuance, hash, events, rows, violations)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		report.RunID, int64(report.TargetIssuance), report.Hash,
		report.Events, len(report.Rows), len(report.Violations),
	)
	return err
}

// WriteRowBatch writes report rows starting at sequence number offset.
func WriteRowBatch(ctx context.Context, db execer, runID string, offset int, rows []projection.Row) error {
	if len(rows) == 0 {
		return nil
	}

	query := insertQuery(
		`INSERT INTO audit.report_rows (run_id, seq, block_height, log_index, ts, address, role, wallet, action,
		instrument_token, instrument_amount, issuance_token, issuance_amount,
		item_id, item_type, token, amount, counterpart, counterpart_address, due_timestamp, state, reinitiated_to)`,
		len(rows), reportRowColumns, "",
	)
	args := make([]any, 0, len(rows)*reportRowColumns)
	for i, r := range rows {
		args = append(args, runID, offset+i, int64(r.BlockHeight), int64(r.LogIndex))
		for _, v := range r.Values()[1:] {
			args = append(args, v)
		}
	}

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteViolationBatch writes violation rows starting at sequence number offset.
func WriteViolationBatch(ctx context.Context, db execer, runID string, offset int, violations []projection.ViolationRow) error {
	if len(violations) == 0 {
		return nil
	}

	query := insertQuery(
		`INSERT INTO audit.violations (run_id, seq, block_height, log_index, event, kind, tier,
		address, role, token, balance, item_id, detail)`,
		len(violations), violationColumns, "",
	)
	args := make([]any, 0, len(violations)*violationColumns)
	for i, v := range violations {
		args = append(args, runID, offset+i, int64(v.BlockHeight), int64(v.LogIndex))
		for _, s := range v.Values()[2:] {
			args = append(args, s)
		}
	}

	_, err := db.ExecContext(ctx, query, args...)
	return err
}
