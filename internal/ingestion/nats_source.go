package ingestion

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/observability"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// EventStream holds the indexer's contract logs, one message per log on
	// escrow.events.<EventName>.
	EventStream   = "ESCROW_EVENTS"
	EventSubjects = "escrow.events.>"

	// AuditStream holds published report rows on escrow.audit.<issuance>.
	AuditStream   = "ESCROW_AUDIT"
	AuditSubjects = "escrow.audit.>"
)

// NATSSourceConfig controls how a session reads the event stream.
type NATSSourceConfig struct {
	Stream         string
	FilterSubjects []string
	BatchSize      int
	MaxWait        time.Duration
}

func DefaultNATSSourceConfig() NATSSourceConfig {
	return NATSSourceConfig{
		Stream:         EventStream,
		FilterSubjects: []string{EventSubjects},
		BatchSize:      256,
		MaxWait:        2 * time.Second,
	}
}

// NATSSource replays the event stream from its first message up to the last
// sequence present when the source was opened. Later messages belong to the
// next session.
type NATSSource struct {
	consumer  jetstream.Consumer
	cfg       NATSSourceConfig
	lastSeq   uint64
	pending   []jetstream.Msg
	drained   bool
	watermark PositionWatermark
	decoder   *Decoder
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

var _ core.Source = (*NATSSource)(nil)

// NewNATSSource snapshots the stream's last sequence and opens an ordered
// consumer over it.
func NewNATSSource(ctx context.Context, js jetstream.JetStream, cfg NATSSourceConfig, logger zerolog.Logger, metrics *observability.Metrics) (*NATSSource, error) {
	stream, err := js.Stream(ctx, cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", cfg.Stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", cfg.Stream, err)
	}

	consumer, err := js.OrderedConsumer(ctx, cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: cfg.FilterSubjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer on %s: %w", cfg.Stream, err)
	}

	logger = logger.With().Str("stream", cfg.Stream).Logger()
	logger.Info().Uint64("last_seq", info.State.LastSeq).Msg("nats source opened")

	return &NATSSource{
		consumer: consumer,
		cfg:      cfg,
		lastSeq:  info.State.LastSeq,
		drained:  info.State.Msgs == 0,
		decoder:  NewDecoder("nats", logger, metrics),
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Next returns the next new event. Messages that fail to decode, and
// redeliveries at or below the position watermark, are skipped.
func (s *NATSSource) Next(ctx context.Context) (event.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.pending) == 0 {
			if s.drained {
				return nil, io.EOF
			}
			if err := s.fetch(ctx); err != nil {
				return nil, err
			}
			continue
		}

		msg := s.pending[0]
		s.pending = s.pending[1:]
		if meta, err := msg.Metadata(); err == nil && meta.Sequence.Stream >= s.lastSeq {
			s.drained = true
			s.pending = nil
		}

		evt, err := s.decoder.Decode(msg.Data())
		if err != nil {
			if IsDecodeError(err) {
				continue
			}
			return nil, err
		}
		if !s.watermark.Admit(evt.Pos()) {
			if s.metrics != nil {
				s.metrics.IngestDuplicates.WithLabelValues("nats").Inc()
			}
			s.logger.Debug().Str("subject", msg.Subject()).Str("position", evt.Pos().String()).Msg("skipping redelivered log")
			continue
		}
		return evt, nil
	}
}

func (s *NATSSource) fetch(ctx context.Context) error {
	start := time.Now()
	batch, err := s.consumer.Fetch(s.cfg.BatchSize, jetstream.FetchMaxWait(s.cfg.MaxWait))
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", s.cfg.Stream, err)
	}
	for msg := range batch.Messages() {
		s.pending = append(s.pending, msg)
	}
	if err := batch.Error(); err != nil {
		return fmt.Errorf("fetch from %s: %w", s.cfg.Stream, err)
	}
	if s.metrics != nil {
		s.metrics.NATSPullLatency.WithLabelValues(s.cfg.Stream).Observe(time.Since(start).Seconds())
	}
	// An empty fetch means the stream was truncated under us.
	if len(s.pending) == 0 {
		s.logger.Warn().Uint64("last_seq", s.lastSeq).Msg("stream ended before snapshot sequence")
		s.drained = true
	}
	return ctx.Err()
}

// PositionWatermark admits strictly increasing positions. The indexer
// publishes in chain order, so a position at or below the watermark is a
// republished log.
type PositionWatermark struct {
	last event.Position
	seen bool
}

func (w *PositionWatermark) Admit(pos event.Position) bool {
	if w.seen && !w.last.Less(pos) {
		return false
	}
	w.last = pos
	w.seen = true
	return true
}

// EnsureStreams creates the event and audit streams if they don't exist.
// Streams use FileStorage, retention=Limits, and a one hour duplicate window
// for Nats-Msg-Id deduplication.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjects},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			Duplicates: time.Hour,
			Replicas:   1,
		},
		{
			Name:       AuditStream,
			Subjects:   []string{AuditSubjects},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: time.Hour,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("escrow-auditor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
