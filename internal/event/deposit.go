// internal/event/deposit.go
package event

import "github.com/shopspring/decimal"

// TokenDeposited moves tokens from an external wallet into the account's
// instrument escrow.
type TokenDeposited struct {
	Header
	Account string
	Token   string
	Amount  decimal.Decimal // Integral token units
}

func (d *TokenDeposited) Kind() Kind {
	return KindTokenDeposited
}
