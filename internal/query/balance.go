package query

// BalanceEntry is one touched (account, tier, token) balance.
type BalanceEntry struct {
	Account string `json:"account"`
	Role    string `json:"role,omitempty"`
	Tier    string `json:"tier"`
	Token   string `json:"token"`
	Amount  string `json:"amount"` // Integral token units, may be negative
}

// TokenTotal sums one token across all accounts of a tier.
type TokenTotal struct {
	Tier   string `json:"tier"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// BalancesResponse is the final ledger of an issuance replay.
type BalancesResponse struct {
	Summary  Summary        `json:"summary"`
	Balances []BalanceEntry `json:"balances"`
	Totals   []TokenTotal   `json:"totals"`
}
