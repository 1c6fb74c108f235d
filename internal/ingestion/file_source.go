package ingestion

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/observability"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds a single JSON log entry.
const maxLineBytes = 4 << 20

// FileSource streams events from a JSON lines export, one log per line.
// Blank lines are ignored and undecodable entries are skipped.
type FileSource struct {
	scanner *bufio.Scanner
	decoder *Decoder
	closer  io.Closer
	line    int
	skipped int
}

var _ core.Source = (*FileSource)(nil)

func NewFileSource(r io.Reader, logger zerolog.Logger, metrics *observability.Metrics) *FileSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &FileSource{
		scanner: scanner,
		decoder: NewDecoder("file", logger, metrics),
	}
}

// OpenFileSource opens path and serves it as a FileSource. Close releases
// the file.
func OpenFileSource(path string, logger zerolog.Logger, metrics *observability.Metrics) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	src := NewFileSource(f, logger.With().Str("path", path).Logger(), metrics)
	src.closer = f
	return src, nil
}

// Next returns the next decodable event, or io.EOF once the input ends.
func (s *FileSource) Next(ctx context.Context) (event.Event, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := s.decoder.Decode(line)
		if err != nil {
			if IsDecodeError(err) {
				s.skipped++
				continue
			}
			return nil, fmt.Errorf("line %d: %w", s.line, err)
		}
		return evt, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log at line %d: %w", s.line, err)
	}
	return nil, io.EOF
}

// Skipped reports how many entries were discarded as undecodable.
func (s *FileSource) Skipped() int {
	return s.skipped
}

func (s *FileSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReadAll drains src into a slice. Used when the caller wants to sort the
// log before replay.
func ReadAll(ctx context.Context, src core.Source) ([]event.Event, error) {
	var events []event.Event
	for {
		evt, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, evt)
	}
}
