package persistence

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/ingestion"
	"EscrowAudit/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// EventLogSource streams audit.events in position order using keyset
// pagination, so memory stays bounded by the page size.
type EventLogSource struct {
	db       *sql.DB
	pageSize int
	decoder  *ingestion.Decoder

	page    []event.Event
	after   event.Position
	started bool
	done    bool
}

var _ core.Source = (*EventLogSource)(nil)

func NewEventLogSource(db *sql.DB, pageSize int, logger zerolog.Logger, metrics *observability.Metrics) *EventLogSource {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &EventLogSource{
		db:       db,
		pageSize: pageSize,
		decoder:  ingestion.NewDecoder("postgres", logger, metrics),
	}
}

func (s *EventLogSource) Next(ctx context.Context) (event.Event, error) {
	for len(s.page) == 0 {
		if s.done {
			return nil, io.EOF
		}
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
	}
	evt := s.page[0]
	s.page = s.page[1:]
	return evt, nil
}

func (s *EventLogSource) fetch(ctx context.Context) error {
	var (
		rows *sql.Rows
		err  error
	)
	if !s.started {
		rows, err = s.db.QueryContext(ctx,
			`SELECT block_height, log_index, payload FROM audit.events
			ORDER BY block_height, log_index LIMIT $1`, s.pageSize)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT block_height, log_index, payload FROM audit.events
			WHERE (block_height, log_index) > ($1, $2)
			ORDER BY block_height, log_index LIMIT $3`,
			int64(s.after.BlockHeight), int64(s.after.LogIndex), s.pageSize)
	}
	if err != nil {
		return fmt.Errorf("query events after %s: %w", s.after, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			height, index int64
			payload       []byte
		)
		if err := rows.Scan(&height, &index, &payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		n++
		s.started = true
		s.after = event.Position{BlockHeight: uint64(height), LogIndex: uint64(index)}

		evt, err := s.decoder.Decode(payload)
		if err != nil {
			if ingestion.IsDecodeError(err) {
				continue
			}
			return err
		}
		s.page = append(s.page, evt)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	if n < s.pageSize {
		s.done = true
	}
	return nil
}
