package event

import (
	"fmt"
)

// Kind discriminator for event payloads
type Kind int32

const (
	KindUnknown Kind = iota
	KindTokenDeposited
	KindTokenWithdrawn
	KindTransferred
	KindObligationCreated
	KindObligationUpdated
)

// Position is the total replay order key of a contract log.
type Position struct {
	// Monotonic per chain
	BlockHeight uint64

	// Unique within a block
	LogIndex uint64
}

// Less reports whether p sorts strictly before o.
func (p Position) Less(o Position) bool {
	if p.BlockHeight != o.BlockHeight {
		return p.BlockHeight < o.BlockHeight
	}
	return p.LogIndex < o.LogIndex
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.BlockHeight, p.LogIndex)
}

// Header carries the fields common to every event variant.
type Header struct {
	Position Position

	// Unix seconds of the enclosing block. Zero means unresolved; the
	// projector resolves it per block height.
	Timestamp int64
}

// Pos returns the replay position.
func (h Header) Pos() Position {
	return h.Position
}

// Time returns the block timestamp in Unix seconds (zero if unresolved).
func (h Header) Time() int64 {
	return h.Timestamp
}

// Event is the interface all event payloads must implement
type Event interface {
	// Kind returns the discriminator
	Kind() Kind

	// Pos returns the (blockHeight, logIndex) ordering key
	Pos() Position

	// Time returns the block timestamp, zero when not yet resolved
	Time() int64
}

func (k Kind) String() string {
	switch k {
	case KindTokenDeposited:
		return "TokenDeposited"
	case KindTokenWithdrawn:
		return "TokenWithdrawn"
	case KindTransferred:
		return "Transferred"
	case KindObligationCreated:
		return "ObligationCreated"
	case KindObligationUpdated:
		return "ObligationUpdated"
	default:
		return "Unknown"
	}
}
