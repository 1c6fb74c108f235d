package ledger

import (
	"EscrowAudit/internal/event"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNegativeBalance marks a debit that drove a balance below zero.
var ErrNegativeBalance = errors.New("negative balance")

// ViolationKind classifies a recorded invariant violation
type ViolationKind uint8

const (
	ViolationNegativeBalance ViolationKind = iota + 1
	ViolationDuplicateObligation
	ViolationUnknownObligation
	ViolationTerminalObligation
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationNegativeBalance:
		return "NegativeBalance"
	case ViolationDuplicateObligation:
		return "DuplicateObligation"
	case ViolationUnknownObligation:
		return "UnknownObligation"
	case ViolationTerminalObligation:
		return "TerminalObligation"
	default:
		return "Unknown"
	}
}

// Violation is an inconsistency found during replay. Violations are
// recorded and replay continues.
type Violation struct {
	Kind      ViolationKind
	Position  event.Position
	EventKind event.Kind

	// Balance context (NegativeBalance)
	Tier    Tier
	Account string
	Token   string
	Balance decimal.Decimal

	// Obligation context
	ItemID uint64

	Detail string
	Err    error
}

func (v *Violation) Error() string {
	if v.Kind == ViolationNegativeBalance {
		return fmt.Sprintf("%s at %s (%s): %s/%s %s: %s",
			v.Kind, v.Position, v.EventKind, v.Account, v.Token, v.Tier, v.Detail)
	}
	return fmt.Sprintf("%s at %s (%s): item %d: %s", v.Kind, v.Position, v.EventKind, v.ItemID, v.Detail)
}

func (v *Violation) Unwrap() error {
	return v.Err
}

// InvariantValidator checks ledger invariants over a whole tracker
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// NegativeEntries lists every balance currently below zero, in account
// first-touch order.
func (v *InvariantValidator) NegativeEntries() []Violation {
	var out []Violation
	for _, account := range v.tracker.Accounts() {
		for _, e := range v.tracker.Snapshot(account) {
			if !e.Amount.IsNegative() {
				continue
			}
			out = append(out, Violation{
				Kind:    ViolationNegativeBalance,
				Tier:    e.Tier,
				Account: account,
				Token:   e.Token,
				Balance: e.Amount,
				Detail:  fmt.Sprintf("final %s balance %s", e.Tier, e.Amount),
				Err:     ErrNegativeBalance,
			})
		}
	}
	return out
}

// ValidateNonNegative returns an error naming the first negative entry
func (v *InvariantValidator) ValidateNonNegative() error {
	neg := v.NegativeEntries()
	if len(neg) == 0 {
		return nil
	}
	return fmt.Errorf("%d negative balances, first %s/%s %s=%s: %w",
		len(neg), neg[0].Account, neg[0].Token, neg[0].Tier, neg[0].Balance, ErrNegativeBalance)
}
