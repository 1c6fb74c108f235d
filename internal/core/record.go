package core

import (
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/ledger"
	"EscrowAudit/internal/state"
	"encoding/binary"
)

// RecordKind distinguishes balance snapshots from obligation snapshots
type RecordKind uint8

const (
	RecordBalance RecordKind = iota + 1
	RecordObligation
)

func (k RecordKind) String() string {
	switch k {
	case RecordBalance:
		return "balance"
	case RecordObligation:
		return "obligation"
	default:
		return "unknown"
	}
}

// Wallet labels for balance records
const (
	WalletDeposit  = "Deposit"
	WalletWithdraw = "Withdraw"
)

// Record is one audit snapshot taken right after an event was applied.
// Records are append-only: nothing in a Record aliases session state.
type Record struct {
	Kind      RecordKind
	Position  event.Position
	EventKind event.Kind
	Timestamp int64 // Unix seconds, zero if unresolved

	// Account the snapshot is about. For obligations this is the obligor.
	Account string
	Wallet  string // Deposit / Withdraw / empty for transfers
	Action  string // Transfer action label

	// Balance records: touched (tier, token) entries of Account
	Balances []ledger.Entry

	// Obligation records: the obligation after the event
	Obligation *state.Obligation
}

// CanonicalBytes for deterministic hashing
func (r *Record) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, byte(r.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, r.Position.BlockHeight)
	buf = binary.LittleEndian.AppendUint64(buf, r.Position.LogIndex)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.EventKind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = appendString(buf, r.Account)
	buf = appendString(buf, r.Wallet)
	buf = appendString(buf, r.Action)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Balances)))
	for _, e := range r.Balances {
		buf = append(buf, byte(e.Tier))
		buf = appendString(buf, e.Token)
		buf = appendString(buf, e.Amount.String())
	}

	if r.Obligation != nil {
		buf = append(buf, 1)
		buf = append(buf, r.Obligation.CanonicalBytes()...)
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
