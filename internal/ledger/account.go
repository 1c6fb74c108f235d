package ledger

import (
	"fmt"
	"strings"
)

// Tier names the escrow bucket a balance lives in
type Tier uint8

const (
	// Global per account/token, valid across all issuances
	TierInstrument Tier = iota
	// Scoped to the single issuance targeted by the replay session
	TierIssuance
)

func (t Tier) String() string {
	switch t {
	case TierInstrument:
		return "instrument"
	case TierIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}

// ParseTier is the inverse of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "instrument":
		return TierInstrument, nil
	case "issuance":
		return TierIssuance, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Account string
	Token   string
}

// NewAccountKey creates a key for an account/token pair
func NewAccountKey(account, token string) AccountKey {
	return AccountKey{Account: account, Token: token}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath(tier Tier) string {
	return fmt.Sprintf("%s:%s:%s", tier, k.Account, k.Token)
}
