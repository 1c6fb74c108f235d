package event

import (
	"github.com/shopspring/decimal"
)

// TokenWithdrawn moves tokens out of the account's instrument escrow
type TokenWithdrawn struct {
	Header
	Account string
	Token   string
	Amount  decimal.Decimal
}

func (w *TokenWithdrawn) Kind() Kind {
	return KindTokenWithdrawn
}
