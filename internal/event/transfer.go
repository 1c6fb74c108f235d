package event

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TransferType is the semantic category tag carried by a transfer event.
type TransferType int32

const (
	// Initial escrow lock on issuance creation. Observed on chain but not
	// applied to the ledger by the projector.
	TransferInbound TransferType = iota
	// Instrument tier -> issuance tier, same account
	TransferLock
	// Issuance tier -> instrument tier, same account
	TransferRelease
	// Issuance tier, from -> to
	TransferSettlement
	// Final repayment settlement. Observed on chain but not applied.
	TransferOutbound
)

// Valid reports whether t is one of the five known transfer types.
func (t TransferType) Valid() bool {
	return t >= TransferInbound && t <= TransferOutbound
}

func (t TransferType) String() string {
	switch t {
	case TransferInbound:
		return "inbound"
	case TransferLock:
		return "lock"
	case TransferRelease:
		return "release"
	case TransferSettlement:
		return "settlement"
	case TransferOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("transfer_type(%d)", int32(t))
	}
}

// Transferred is an escrow movement scoped to one issuance.
type Transferred struct {
	Header
	IssuanceID   uint64
	Token        string
	From         string
	To           string
	Amount       decimal.Decimal
	TransferType TransferType
	Action       string // Free-text label, e.g. "Principal Lock"
}

func (t *Transferred) Kind() Kind {
	return KindTransferred
}
