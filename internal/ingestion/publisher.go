package ingestion

import (
	"EscrowAudit/internal/projection"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream used for publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher loads exported contract logs into the event stream. Each
// log is published on escrow.events.<Kind> with its position as the message
// ID, so a repeated load is absorbed by the stream's duplicate window.
type EventPublisher struct {
	js      Publisher
	decoder *Decoder
	logger  zerolog.Logger
}

func NewEventPublisher(js Publisher, decoder *Decoder, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{js: js, decoder: decoder, logger: logger}
}

// PublishLog validates one JSON log entry and publishes it verbatim.
func (p *EventPublisher) PublishLog(ctx context.Context, data []byte) error {
	evt, err := p.decoder.Decode(data)
	if err != nil {
		return err
	}
	subject := "escrow.events." + evt.Kind().String()
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.Pos().String())); err != nil {
		return fmt.Errorf("publish %s at %s: %w", evt.Kind(), evt.Pos(), err)
	}
	return nil
}

// PublishAll publishes every line of a JSON lines export and returns how many
// logs were published. Undecodable lines are skipped.
func (p *EventPublisher) PublishAll(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	published := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := p.PublishLog(ctx, line); err != nil {
			if IsDecodeError(err) {
				continue
			}
			return published, err
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		return published, fmt.Errorf("read event log: %w", err)
	}
	p.logger.Info().Int("published", published).Msg("event log loaded")
	return published, nil
}

// ReportPublisher publishes report rows to escrow.audit.<issuance>, one
// message per row followed by a summary message.
type ReportPublisher struct {
	js Publisher
}

var _ projection.Sink = (*ReportPublisher)(nil)

func NewReportPublisher(js Publisher) *ReportPublisher {
	return &ReportPublisher{js: js}
}

func (p *ReportPublisher) Name() string { return "nats" }

type reportMessage struct {
	RunID     string                   `json:"run_id"`
	Seq       int                      `json:"seq"`
	Row       *projection.Row          `json:"row,omitempty"`
	Violation *projection.ViolationRow `json:"violation,omitempty"`
	Hash      string                   `json:"hash,omitempty"`
	Total     int                      `json:"total,omitempty"`
}

func (p *ReportPublisher) WriteReport(ctx context.Context, report *projection.Report) error {
	subject := "escrow.audit." + strconv.FormatUint(report.TargetIssuance, 10)

	seq := 0
	publish := func(msg reportMessage) error {
		msg.RunID = report.RunID
		msg.Seq = seq
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal report message: %w", err)
		}
		id := fmt.Sprintf("%s:%d", report.RunID, seq)
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(id)); err != nil {
			return fmt.Errorf("publish report message %d: %w", seq, err)
		}
		seq++
		return nil
	}

	for i := range report.Rows {
		if err := publish(reportMessage{Row: &report.Rows[i]}); err != nil {
			return err
		}
	}
	for i := range report.Violations {
		if err := publish(reportMessage{Violation: &report.Violations[i]}); err != nil {
			return err
		}
	}
	return publish(reportMessage{Hash: report.Hash, Total: seq})
}
