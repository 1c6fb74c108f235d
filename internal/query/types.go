package query

import (
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/projection"
)

// Summary describes one replay. Every response carries it so callers can
// judge freshness by AsOf.
type Summary struct {
	TargetIssuance   uint64 `json:"target_issuance"`
	Events           int    `json:"events"`
	Rows             int    `json:"rows"`
	Violations       int    `json:"violations"`
	NegativeBalances int    `json:"negative_balances"`
	Truncated        bool   `json:"truncated"`
	Hash             string `json:"hash"`
	AsOf             string `json:"as_of"` // block:logIndex of the last applied event
}

// AuditResponse is the full report for an issuance.
type AuditResponse struct {
	Summary    Summary                   `json:"summary"`
	Rows       []projection.Row          `json:"rows"`
	Violations []projection.ViolationRow `json:"violations"`
}

// ObligationResponse is the current state of one payable.
type ObligationResponse struct {
	ItemID            uint64   `json:"item_id"`
	EngagementID      uint64   `json:"engagement_id,omitempty"`
	Type              string   `json:"type"`
	Obligor           string   `json:"obligor"`
	ObligorRole       string   `json:"obligor_role,omitempty"`
	Claimant          string   `json:"claimant"`
	ClaimantRole      string   `json:"claimant_role,omitempty"`
	Token             string   `json:"token"`
	Amount            string   `json:"amount"`
	DueTimestamp      int64    `json:"due_timestamp"`
	State             string   `json:"state"`
	ReinitiatedTo     *uint64  `json:"reinitiated_to,omitempty"`
	ReinitiationChain []uint64 `json:"reinitiation_chain,omitempty"`
	Version           int64    `json:"version"`
}

// ObligationsResponse lists every payable of an issuance in creation order.
type ObligationsResponse struct {
	Summary     Summary              `json:"summary"`
	Obligations []ObligationResponse `json:"obligations"`
	Outstanding int                  `json:"outstanding"`
}

func asOf(pos event.Position, events int) string {
	if events == 0 {
		return ""
	}
	return pos.String()
}
