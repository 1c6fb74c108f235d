package projection

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// Report is one finished session, formatted for sinks.
type Report struct {
	RunID          string
	TargetIssuance uint64
	Hash           string
	Events         int
	Rows           []Row
	Violations     []ViolationRow
}

// Sink writes a whole report to an external destination.
type Sink interface {
	Name() string
	WriteReport(ctx context.Context, report *Report) error
}

// CSVSink writes report rows with the reference header. Violations go to a
// second writer when one is configured.
type CSVSink struct {
	rows       io.Writer
	violations io.Writer
}

func NewCSVSink(rows, violations io.Writer) *CSVSink {
	return &CSVSink{rows: rows, violations: violations}
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) WriteReport(ctx context.Context, report *Report) error {
	w := csv.NewWriter(s.rows)
	if err := w.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, row := range report.Rows {
		if err := w.Write(row.Values()); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	if s.violations == nil {
		return nil
	}

	vw := csv.NewWriter(s.violations)
	if err := vw.Write(ViolationColumns); err != nil {
		return fmt.Errorf("write violation header: %w", err)
	}
	for i, v := range report.Violations {
		if err := vw.Write(v.Values()); err != nil {
			return fmt.Errorf("write violation row %d: %w", i, err)
		}
	}
	vw.Flush()
	return vw.Error()
}

// jsonLine is one line of the JSON lines report. Exactly one field is set.
type jsonLine struct {
	Record    *Row          `json:"record,omitempty"`
	Violation *ViolationRow `json:"violation,omitempty"`
	Summary   *jsonSummary  `json:"summary,omitempty"`
}

type jsonSummary struct {
	RunID          string `json:"run_id,omitempty"`
	TargetIssuance uint64 `json:"target_issuance"`
	Hash           string `json:"hash"`
	Events         int    `json:"events"`
	Rows           int    `json:"rows"`
	Violations     int    `json:"violations"`
}

// JSONLinesSink writes records, then violations, then a summary line.
type JSONLinesSink struct {
	w io.Writer
}

func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{w: w}
}

func (s *JSONLinesSink) Name() string { return "jsonl" }

func (s *JSONLinesSink) WriteReport(ctx context.Context, report *Report) error {
	enc := json.NewEncoder(s.w)
	for i := range report.Rows {
		if err := enc.Encode(jsonLine{Record: &report.Rows[i]}); err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	for i := range report.Violations {
		if err := enc.Encode(jsonLine{Violation: &report.Violations[i]}); err != nil {
			return fmt.Errorf("encode violation %d: %w", i, err)
		}
	}
	return enc.Encode(jsonLine{Summary: &jsonSummary{
		RunID:          report.RunID,
		TargetIssuance: report.TargetIssuance,
		Hash:           report.Hash,
		Events:         report.Events,
		Rows:           len(report.Rows),
		Violations:     len(report.Violations),
	}})
}
