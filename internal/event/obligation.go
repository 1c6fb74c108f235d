package event

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ObligationState uses the on-chain line item state codes.
type ObligationState int32

const (
	ObligationStateUnknown ObligationState = iota
	ObligationUnpaid
	ObligationPaid
	ObligationReinitiated
)

// Valid reports whether s is a known lifecycle state.
func (s ObligationState) Valid() bool {
	return s >= ObligationUnpaid && s <= ObligationReinitiated
}

func (s ObligationState) String() string {
	switch s {
	case ObligationUnpaid:
		return "Unpaid"
	case ObligationPaid:
		return "Paid"
	case ObligationReinitiated:
		return "Reinitiated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ItemType is the supplemental line item type. Only payables exist today.
type ItemType int32

const (
	ItemTypeUnknown ItemType = iota
	ItemTypePayable
)

func (t ItemType) String() string {
	if t == ItemTypePayable {
		return "Payable"
	}
	return ""
}

// ObligationCreated registers a payable between obligor and claimant.
type ObligationCreated struct {
	Header
	IssuanceID   uint64
	ItemID       uint64
	EngagementID uint64 // Zero when the payable is not tied to an engagement
	ItemType     ItemType
	Obligor      string
	Claimant     string
	Token        string
	Amount       decimal.Decimal
	DueTimestamp int64

	// Zero value is treated as Unpaid
	InitialState ObligationState
}

func (o *ObligationCreated) Kind() Kind {
	return KindObligationCreated
}

// ObligationUpdated moves a payable to a new lifecycle state.
type ObligationUpdated struct {
	Header
	IssuanceID    uint64
	ItemID        uint64
	NewState      ObligationState
	ReinitiatedTo *uint64 // Successor item, nil unless reinitiated
}

func (o *ObligationUpdated) Kind() Kind {
	return KindObligationUpdated
}
