package state

import (
	"EscrowAudit/internal/event"
	"encoding/binary"

	"github.com/shopspring/decimal"
)

// Obligation is a tracked payable between an obligor and a claimant
type Obligation struct {
	ItemID        uint64
	IssuanceID    uint64
	EngagementID  uint64
	ItemType      event.ItemType
	Obligor       string
	Claimant      string
	Token         string
	Amount        decimal.Decimal
	DueTimestamp  int64
	State         event.ObligationState
	ReinitiatedTo *uint64 // Nullable
	Version       int64   // Bumped on every applied transition
}

// validTransitions lists the states reachable from each state. Paid is
// terminal and has no entry.
var validTransitions = map[event.ObligationState][]event.ObligationState{
	event.ObligationUnpaid: {
		event.ObligationUnpaid,
		event.ObligationPaid,
		event.ObligationReinitiated,
	},
	event.ObligationReinitiated: {
		event.ObligationReinitiated,
		event.ObligationUnpaid,
		event.ObligationPaid,
	},
}

// CanTransitionTo validates state transitions
func CanTransitionTo(from, to event.ObligationState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (o *Obligation) IsTerminal() bool {
	return o.State == event.ObligationPaid
}

// Clone returns a deep copy safe to hand out of the registry
func (o *Obligation) Clone() Obligation {
	c := *o
	if o.ReinitiatedTo != nil {
		next := *o.ReinitiatedTo
		c.ReinitiatedTo = &next
	}
	return c
}

// CanonicalBytes for deterministic hashing
func (o *Obligation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = binary.LittleEndian.AppendUint64(buf, o.ItemID)
	buf = binary.LittleEndian.AppendUint64(buf, o.IssuanceID)
	buf = binary.LittleEndian.AppendUint64(buf, o.EngagementID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.ItemType))
	buf = appendString(buf, o.Obligor)
	buf = appendString(buf, o.Claimant)
	buf = appendString(buf, o.Token)
	buf = appendString(buf, o.Amount.String())
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.DueTimestamp))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.State))

	if o.ReinitiatedTo != nil {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, *o.ReinitiatedTo)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

// appendString writes a length-prefixed string
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
