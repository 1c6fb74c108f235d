package ledger_test

import (
	"EscrowAudit/internal/ledger"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// ============================================================================
// Test: AccountKey / Tier
// ============================================================================

func TestAccountKey_Path(t *testing.T) {
	key := ledger.NewAccountKey("0xabc", "0xtoken")

	if got := key.AccountPath(ledger.TierInstrument); got != "instrument:0xabc:0xtoken" {
		t.Errorf("got %q, want %q", got, "instrument:0xabc:0xtoken")
	}
	if got := key.AccountPath(ledger.TierIssuance); got != "issuance:0xabc:0xtoken" {
		t.Errorf("got %q, want %q", got, "issuance:0xabc:0xtoken")
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range []ledger.Tier{ledger.TierInstrument, ledger.TierIssuance} {
		got, err := ledger.ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%s): %v", tier, err)
		}
		if got != tier {
			t.Errorf("got %v, want %v", got, tier)
		}
	}
	if _, err := ledger.ParseTier("escrow"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewAccountKey("X", "T")

	if !bt.GetBalance(ledger.TierInstrument, key).IsZero() {
		t.Error("untouched instrument balance should be zero")
	}
	if bt.Touched(ledger.TierInstrument, key) {
		t.Error("untouched pair should have no entry")
	}
	if len(bt.Snapshot("X")) != 0 {
		t.Error("untouched account should have an empty snapshot")
	}
}

func TestBalanceTracker_CreditDebit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewAccountKey("X", "T")

	if err := bt.Credit(ledger.TierInstrument, "X", "T", d(100)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	v, err := bt.Debit(ledger.TierInstrument, "X", "T", d(40))
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}

	if got := bt.GetBalance(ledger.TierInstrument, key); !got.Equal(d(60)) {
		t.Errorf("instrument balance: got %s, want 60", got)
	}
	if bt.Touched(ledger.TierIssuance, key) {
		t.Error("issuance tier must not be touched by instrument mutations")
	}
}

func TestBalanceTracker_DebitBelowZero_RecordsNotClamps(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Credit(ledger.TierIssuance, "X", "T", d(10))

	v, err := bt.Debit(ledger.TierIssuance, "X", "T", d(25))
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if v == nil {
		t.Fatal("expected a violation")
	}
	if v.Kind != ledger.ViolationNegativeBalance {
		t.Errorf("kind: got %s, want NegativeBalance", v.Kind)
	}
	if !errors.Is(v, ledger.ErrNegativeBalance) {
		t.Error("violation should unwrap to ErrNegativeBalance")
	}
	if got := bt.GetBalance(ledger.TierIssuance, ledger.NewAccountKey("X", "T")); !got.Equal(d(-15)) {
		t.Errorf("balance: got %s, want -15", got)
	}
}

func TestBalanceTracker_NegativeAmountRejected(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if err := bt.Credit(ledger.TierInstrument, "X", "T", d(-1)); !errors.Is(err, ledger.ErrNegativeAmount) {
		t.Errorf("credit: got %v, want ErrNegativeAmount", err)
	}
	if _, err := bt.Debit(ledger.TierInstrument, "X", "T", d(-1)); !errors.Is(err, ledger.ErrNegativeAmount) {
		t.Errorf("debit: got %v, want ErrNegativeAmount", err)
	}
	if len(bt.Accounts()) != 0 {
		t.Error("rejected mutations must not touch the account")
	}
}

func TestBalanceTracker_ZeroCreditTouches(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.Credit(ledger.TierInstrument, "X", "T", decimal.Zero); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	snap := bt.Snapshot("X")
	if len(snap) != 1 || snap[0].Token != "T" || !snap[0].Amount.IsZero() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestBalanceTracker_SnapshotOrder(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Credit(ledger.TierIssuance, "X", "C", d(3))
	_ = bt.Credit(ledger.TierInstrument, "X", "B", d(2))
	_ = bt.Credit(ledger.TierInstrument, "X", "A", d(1))
	_ = bt.Credit(ledger.TierIssuance, "X", "B", d(4))
	_ = bt.Credit(ledger.TierInstrument, "X", "B", d(5))

	snap := bt.Snapshot("X")
	want := []struct {
		tier   ledger.Tier
		token  string
		amount int64
	}{
		{ledger.TierInstrument, "B", 7},
		{ledger.TierInstrument, "A", 1},
		{ledger.TierIssuance, "C", 3},
		{ledger.TierIssuance, "B", 4},
	}
	if len(snap) != len(want) {
		t.Fatalf("snapshot length: got %d, want %d", len(snap), len(want))
	}
	for i, w := range want {
		if snap[i].Tier != w.tier || snap[i].Token != w.token || !snap[i].Amount.Equal(d(w.amount)) {
			t.Errorf("entry %d: got %+v, want %v/%s/%d", i, snap[i], w.tier, w.token, w.amount)
		}
	}
}

func TestBalanceTracker_AccountsFirstTouchOrder(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Credit(ledger.TierInstrument, "Y", "T", d(1))
	_ = bt.Credit(ledger.TierInstrument, "X", "T", d(1))
	_, _ = bt.Debit(ledger.TierIssuance, "Y", "T", d(0))

	accounts := bt.Accounts()
	if len(accounts) != 2 || accounts[0] != "Y" || accounts[1] != "X" {
		t.Errorf("got %v, want [Y X]", accounts)
	}
}

func TestBalanceTracker_LargeAmountsExact(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	big, err := decimal.NewFromString("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_ = bt.Credit(ledger.TierInstrument, "X", "T", big)
	_, _ = bt.Debit(ledger.TierInstrument, "X", "T", big)

	if got := bt.GetBalance(ledger.TierInstrument, ledger.NewAccountKey("X", "T")); !got.IsZero() {
		t.Errorf("uint256 round trip should be exact, got %s", got)
	}
}

func TestBalanceTracker_ComputeTokenTotals(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Credit(ledger.TierInstrument, "X", "T", d(100))
	_ = bt.Credit(ledger.TierInstrument, "Y", "T", d(50))
	_ = bt.Credit(ledger.TierInstrument, "Y", "U", d(7))

	totals := bt.ComputeTokenTotals(ledger.TierInstrument)
	if !totals["T"].Equal(d(150)) || !totals["U"].Equal(d(7)) {
		t.Errorf("unexpected totals %v", totals)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_NegativeEntries(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	_ = bt.Credit(ledger.TierInstrument, "X", "T", d(5))
	if err := v.ValidateNonNegative(); err != nil {
		t.Fatalf("expected no violation, got %v", err)
	}

	_, _ = bt.Debit(ledger.TierInstrument, "X", "T", d(8))
	_, _ = bt.Debit(ledger.TierIssuance, "Y", "T", d(1))

	neg := v.NegativeEntries()
	if len(neg) != 2 {
		t.Fatalf("expected 2 negative entries, got %d", len(neg))
	}
	if neg[0].Account != "X" || !neg[0].Balance.Equal(d(-3)) {
		t.Errorf("first entry: got %s %s", neg[0].Account, neg[0].Balance)
	}
	if neg[1].Account != "Y" || neg[1].Tier != ledger.TierIssuance {
		t.Errorf("second entry: got %s %s", neg[1].Account, neg[1].Tier)
	}
	if err := v.ValidateNonNegative(); !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Errorf("got %v, want ErrNegativeBalance", err)
	}
}
