package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNegativeAmount is returned when a credit or debit carries a negative amount.
var ErrNegativeAmount = errors.New("amount must not be negative")

// Entry is one touched (tier, token) balance of an account
type Entry struct {
	Tier   Tier
	Token  string
	Amount decimal.Decimal
}

// tierBook is one tier's keyed balances plus first-touch ordering.
type tierBook struct {
	balances map[AccountKey]decimal.Decimal
	tokens   map[string][]string // account -> tokens in first-touch order
}

func newTierBook() *tierBook {
	return &tierBook{
		balances: make(map[AccountKey]decimal.Decimal),
		tokens:   make(map[string][]string),
	}
}

func (b *tierBook) touch(key AccountKey) {
	if _, ok := b.balances[key]; ok {
		return
	}
	b.balances[key] = decimal.Zero
	b.tokens[key.Account] = append(b.tokens[key.Account], key.Token)
}

// BalanceTracker maintains the two-tier escrow balances of one replay
// session. Keys are created lazily; an untouched pair reads as zero.
// Not thread-safe: owned by a single session.
type BalanceTracker struct {
	instrument *tierBook
	issuance   *tierBook
	accounts   []string
	seen       map[string]struct{}
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		instrument: newTierBook(),
		issuance:   newTierBook(),
		seen:       make(map[string]struct{}),
	}
}

func (bt *BalanceTracker) book(tier Tier) (*tierBook, error) {
	switch tier {
	case TierInstrument:
		return bt.instrument, nil
	case TierIssuance:
		return bt.issuance, nil
	}
	return nil, fmt.Errorf("unknown tier %d", tier)
}

func (bt *BalanceTracker) touchAccount(account string) {
	if _, ok := bt.seen[account]; ok {
		return
	}
	bt.seen[account] = struct{}{}
	bt.accounts = append(bt.accounts, account)
}

// Credit increases the tier balance. A zero amount still marks the pair as
// touched so it shows up in snapshots.
func (bt *BalanceTracker) Credit(tier Tier, account, token string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s %s/%s %s: %w", tier, account, token, amount, ErrNegativeAmount)
	}
	b, err := bt.book(tier)
	if err != nil {
		return err
	}

	key := NewAccountKey(account, token)
	bt.touchAccount(account)
	b.touch(key)
	b.balances[key] = b.balances[key].Add(amount)
	return nil
}

// Debit decreases the tier balance. When the result is negative the balance
// is still stored (never clamped) and a NegativeBalance violation is
// returned for the caller to record.
func (bt *BalanceTracker) Debit(tier Tier, account, token string, amount decimal.Decimal) (*Violation, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("debit %s %s/%s %s: %w", tier, account, token, amount, ErrNegativeAmount)
	}
	b, err := bt.book(tier)
	if err != nil {
		return nil, err
	}

	key := NewAccountKey(account, token)
	bt.touchAccount(account)
	b.touch(key)
	after := b.balances[key].Sub(amount)
	b.balances[key] = after

	if after.IsNegative() {
		return &Violation{
			Kind:    ViolationNegativeBalance,
			Tier:    tier,
			Account: account,
			Token:   token,
			Balance: after,
			Detail:  fmt.Sprintf("debit of %s leaves %s balance at %s", amount, tier, after),
			Err:     ErrNegativeBalance,
		}, nil
	}
	return nil, nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(tier Tier, key AccountKey) decimal.Decimal {
	b, err := bt.book(tier)
	if err != nil {
		return decimal.Zero
	}
	return b.balances[key]
}

// Touched reports whether the pair has an entry in the tier.
func (bt *BalanceTracker) Touched(tier Tier, key AccountKey) bool {
	b, err := bt.book(tier)
	if err != nil {
		return false
	}
	_, ok := b.balances[key]
	return ok
}

// Snapshot returns the touched entries of an account: instrument tier in
// first-touch order, then issuance tier in first-touch order.
func (bt *BalanceTracker) Snapshot(account string) []Entry {
	entries := make([]Entry, 0, len(bt.instrument.tokens[account])+len(bt.issuance.tokens[account]))
	for _, tier := range []Tier{TierInstrument, TierIssuance} {
		b, _ := bt.book(tier)
		for _, token := range b.tokens[account] {
			entries = append(entries, Entry{
				Tier:   tier,
				Token:  token,
				Amount: b.balances[NewAccountKey(account, token)],
			})
		}
	}
	return entries
}

// Accounts returns every touched account in first-touch order
func (bt *BalanceTracker) Accounts() []string {
	out := make([]string, len(bt.accounts))
	copy(out, bt.accounts)
	return out
}

// ComputeTokenTotals sums balances per token for a tier.
func (bt *BalanceTracker) ComputeTokenTotals(tier Tier) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	b, err := bt.book(tier)
	if err != nil {
		return totals
	}
	for key, balance := range b.balances {
		totals[key.Token] = totals[key.Token].Add(balance)
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(tier Tier, key AccountKey) error {
	balance := bt.GetBalance(tier, key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance %s: %w", key.AccountPath(tier), balance, ErrNegativeBalance)
	}
	return nil
}
