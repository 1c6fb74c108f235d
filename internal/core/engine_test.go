package core_test

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/ledger"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/state"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

const target = uint64(5)

func at(block, logIndex uint64) event.Header {
	return event.Header{
		Position:  event.Position{BlockHeight: block, LogIndex: logIndex},
		Timestamp: int64(1_700_000_000 + block*12),
	}
}

func amt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func deposit(h event.Header, account, token string, amount int64) *event.TokenDeposited {
	return &event.TokenDeposited{Header: h, Account: account, Token: token, Amount: amt(amount)}
}

func withdraw(h event.Header, account, token string, amount int64) *event.TokenWithdrawn {
	return &event.TokenWithdrawn{Header: h, Account: account, Token: token, Amount: amt(amount)}
}

func transfer(h event.Header, issuance uint64, tt event.TransferType, from, to, token string, amount int64) *event.Transferred {
	return &event.Transferred{
		Header:       h,
		IssuanceID:   issuance,
		Token:        token,
		From:         from,
		To:           to,
		Amount:       amt(amount),
		TransferType: tt,
		Action:       tt.String(),
	}
}

func created(h event.Header, issuance, itemID uint64) *event.ObligationCreated {
	return &event.ObligationCreated{
		Header:       h,
		IssuanceID:   issuance,
		ItemID:       itemID,
		ItemType:     event.ItemTypePayable,
		Obligor:      "E",
		Claimant:     "X",
		Token:        "T",
		Amount:       amt(100),
		DueTimestamp: 1_800_000_000,
	}
}

func updated(h event.Header, issuance, itemID uint64, s event.ObligationState, next *uint64) *event.ObligationUpdated {
	return &event.ObligationUpdated{Header: h, IssuanceID: issuance, ItemID: itemID, NewState: s, ReinitiatedTo: next}
}

func replay(t *testing.T, events ...event.Event) *core.Result {
	t.Helper()
	res, err := core.NewSession(core.Config{TargetIssuance: target}).Replay(events)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return res
}

func balance(res *core.Result, tier ledger.Tier, account, token string) decimal.Decimal {
	return res.Ledger.GetBalance(tier, ledger.NewAccountKey(account, token))
}

func assertBalance(t *testing.T, res *core.Result, tier ledger.Tier, account, token string, want int64) {
	t.Helper()
	if got := balance(res, tier, account, token); !got.Equal(amt(want)) {
		t.Errorf("%s(%s,%s): got %s, want %d", tier, account, token, got, want)
	}
}

// ============================================================================
// Test: Scenarios A-D
// ============================================================================

func TestScenarioA_Deposit(t *testing.T) {
	res := replay(t, deposit(at(1, 0), "X", "T", 100))

	assertBalance(t, res, ledger.TierInstrument, "X", "T", 100)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	rec := res.Records[0]
	if rec.Wallet != core.WalletDeposit || rec.Account != "X" {
		t.Errorf("got wallet=%q account=%q, want Deposit/X", rec.Wallet, rec.Account)
	}
	if len(rec.Balances) != 1 || !rec.Balances[0].Amount.Equal(amt(100)) {
		t.Errorf("unexpected balances %+v", rec.Balances)
	}
}

func TestScenarioB_Lock(t *testing.T) {
	res := replay(t,
		deposit(at(1, 0), "X", "T", 100),
		transfer(at(2, 0), target, event.TransferLock, "X", "X", "T", 100),
	)

	assertBalance(t, res, ledger.TierInstrument, "X", "T", 0)
	assertBalance(t, res, ledger.TierIssuance, "X", "T", 100)
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if got := res.Records[1].Action; got != "lock" {
		t.Errorf("action: got %q, want lock", got)
	}
}

func TestScenarioC_Settlement(t *testing.T) {
	res := replay(t,
		deposit(at(1, 0), "X", "T", 100),
		transfer(at(2, 0), target, event.TransferLock, "X", "X", "T", 100),
		transfer(at(3, 0), target, event.TransferSettlement, "X", "Y", "T", 100),
	)

	assertBalance(t, res, ledger.TierIssuance, "X", "T", 0)
	assertBalance(t, res, ledger.TierIssuance, "Y", "T", 100)

	settlement := res.Records[2:]
	if len(settlement) != 2 {
		t.Fatalf("expected 2 settlement records, got %d", len(settlement))
	}
	if settlement[0].Account != "X" || settlement[1].Account != "Y" {
		t.Errorf("record order: got %s,%s, want X,Y", settlement[0].Account, settlement[1].Account)
	}
	if len(res.Violations) != 0 {
		t.Errorf("unexpected violations %v", res.Violations)
	}
}

func TestScenarioD_ObligationTerminal(t *testing.T) {
	res := replay(t,
		created(at(1, 0), target, 1),
		updated(at(2, 0), target, 1, event.ObligationPaid, nil),
		updated(at(3, 0), target, 1, event.ObligationUnpaid, nil),
	)

	o, ok := res.Registry.Get(1)
	if !ok {
		t.Fatal("obligation 1 missing")
	}
	if o.State != event.ObligationPaid {
		t.Errorf("state: got %s, want Paid", o.State)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(res.Violations))
	}
	v := res.Violations[0]
	if v.Kind != ledger.ViolationTerminalObligation || v.ItemID != 1 {
		t.Errorf("got %s item %d, want TerminalObligation item 1", v.Kind, v.ItemID)
	}
	if !errors.Is(&v, state.ErrTerminalObligation) {
		t.Error("violation should unwrap to ErrTerminalObligation")
	}
	if len(res.Records) != 2 {
		t.Errorf("violating update must not emit a record: got %d records", len(res.Records))
	}
}

// ============================================================================
// Test: Properties P3/P4
// ============================================================================

func TestP3_AnyUpdateAfterPaid(t *testing.T) {
	for _, next := range []event.ObligationState{event.ObligationUnpaid, event.ObligationPaid, event.ObligationReinitiated} {
		t.Run(next.String(), func(t *testing.T) {
			succ := uint64(2)
			res := replay(t,
				created(at(1, 0), target, 1),
				updated(at(1, 1), target, 1, event.ObligationPaid, nil),
				updated(at(1, 2), target, 1, next, &succ),
			)
			o, _ := res.Registry.Get(1)
			if o.State != event.ObligationPaid || o.ReinitiatedTo != nil {
				t.Errorf("got state %s reinitiatedTo %v, want Paid/nil", o.State, o.ReinitiatedTo)
			}
			if len(res.Violations) != 1 {
				t.Errorf("expected exactly 1 violation, got %d", len(res.Violations))
			}
		})
	}
}

func TestP4_OverdrawnWithdrawal(t *testing.T) {
	res := replay(t,
		deposit(at(1, 0), "X", "T", 50),
		withdraw(at(2, 0), "X", "T", 80),
	)

	if len(res.Violations) != 1 {
		t.Fatalf("expected exactly 1 violation, got %d", len(res.Violations))
	}
	v := res.Violations[0]
	if v.Kind != ledger.ViolationNegativeBalance || v.Account != "X" || v.Token != "T" {
		t.Errorf("unexpected violation %+v", v)
	}
	if v.Position != (event.Position{BlockHeight: 2, LogIndex: 0}) {
		t.Errorf("position: got %s, want 2:0", v.Position)
	}
	assertBalance(t, res, ledger.TierInstrument, "X", "T", -30)

	neg := res.NegativeBalances()
	if len(neg) != 1 || !neg[0].Balance.Equal(amt(-30)) {
		t.Errorf("final negative balances: got %+v", neg)
	}
	if len(res.Records) != 2 || res.Records[1].Wallet != core.WalletWithdraw {
		t.Errorf("withdraw record missing")
	}
}

func TestP4_SelfConsistentPrefixesNonNegative(t *testing.T) {
	events := []event.Event{
		deposit(at(1, 0), "X", "T", 100),
		transfer(at(2, 0), target, event.TransferLock, "X", "X", "T", 60),
		transfer(at(3, 0), target, event.TransferSettlement, "X", "Y", "T", 60),
		transfer(at(4, 0), target, event.TransferRelease, "Y", "Y", "T", 60),
		withdraw(at(5, 0), "Y", "T", 60),
		withdraw(at(5, 1), "X", "T", 40),
	}

	for n := 1; n <= len(events); n++ {
		res, err := core.NewSession(core.Config{TargetIssuance: target}).Replay(events[:n])
		if err != nil {
			t.Fatalf("prefix %d: %v", n, err)
		}
		if len(res.Violations) != 0 || len(res.NegativeBalances()) != 0 {
			t.Errorf("prefix %d: unexpected violations %v", n, res.Violations)
		}
	}
}

// ============================================================================
// Test: Transfer dispatch
// ============================================================================

func TestTransfer_UnhandledTypesDoNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	session := core.NewSession(core.Config{TargetIssuance: target, Metrics: metrics})
	res, err := session.Replay([]event.Event{
		deposit(at(1, 0), "X", "T", 100),
		transfer(at(2, 0), target, event.TransferInbound, "X", "Y", "T", 100),
		transfer(at(3, 0), target, event.TransferOutbound, "X", "Y", "T", 100),
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	assertBalance(t, res, ledger.TierInstrument, "X", "T", 100)
	if res.Ledger.Touched(ledger.TierIssuance, ledger.NewAccountKey("Y", "T")) {
		t.Error("inbound/outbound transfers must not touch the ledger")
	}
	if len(res.Records) != 1 {
		t.Errorf("expected only the deposit record, got %d", len(res.Records))
	}
	if got := testutil.ToFloat64(metrics.CoreUnhandledTransfer.WithLabelValues("0")); got != 1 {
		t.Errorf("unhandled type 0: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.CoreUnhandledTransfer.WithLabelValues("4")); got != 1 {
		t.Errorf("unhandled type 4: got %v, want 1", got)
	}
	if res.Events != 3 {
		t.Errorf("events: got %d, want 3", res.Events)
	}
}

func TestTransfer_OtherIssuance(t *testing.T) {
	res := replay(t,
		deposit(at(1, 0), "X", "T", 100),
		transfer(at(2, 0), 9, event.TransferLock, "X", "X", "T", 70),
		transfer(at(3, 0), 9, event.TransferSettlement, "X", "Y", "T", 70),
		transfer(at(4, 0), 9, event.TransferRelease, "X", "X", "T", 20),
	)

	// Instrument tier tracks every issuance, the issuance tier only the target
	assertBalance(t, res, ledger.TierInstrument, "X", "T", 50)
	if res.Ledger.Touched(ledger.TierIssuance, ledger.NewAccountKey("X", "T")) {
		t.Error("issuance tier must ignore other issuances")
	}
	// Lock and release still emit for from; settlement emits nothing
	if len(res.Records) != 3 {
		t.Errorf("records: got %d, want 3", len(res.Records))
	}
	for _, r := range res.Records[1:] {
		if r.Account != "X" {
			t.Errorf("unexpected record account %s", r.Account)
		}
	}
}

func TestTransfer_SnapshotCarriesBothTiers(t *testing.T) {
	res := replay(t,
		deposit(at(1, 0), "X", "T", 100),
		deposit(at(1, 1), "X", "U", 5),
		transfer(at(2, 0), target, event.TransferLock, "X", "X", "T", 40),
	)

	got := res.Records[2].Balances
	want := []ledger.Entry{
		{Tier: ledger.TierInstrument, Token: "T", Amount: amt(60)},
		{Tier: ledger.TierInstrument, Token: "U", Amount: amt(5)},
		{Tier: ledger.TierIssuance, Token: "T", Amount: amt(40)},
	}
	if len(got) != len(want) {
		t.Fatalf("entries: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Tier != want[i].Tier || got[i].Token != want[i].Token || !got[i].Amount.Equal(want[i].Amount) {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecords_DoNotAliasLaterState(t *testing.T) {
	res := replay(t,
		deposit(at(1, 0), "X", "T", 100),
		withdraw(at(2, 0), "X", "T", 30),
	)
	if !res.Records[0].Balances[0].Amount.Equal(amt(100)) {
		t.Errorf("first record mutated: got %s", res.Records[0].Balances[0].Amount)
	}
}

// ============================================================================
// Test: Obligations
// ============================================================================

func TestObligation_IssuanceFilter(t *testing.T) {
	res := replay(t,
		created(at(1, 0), 9, 1),
		updated(at(2, 0), 9, 1, event.ObligationPaid, nil),
	)
	if res.Registry.Len() != 0 || len(res.Records) != 0 || len(res.Violations) != 0 {
		t.Errorf("other-issuance obligations must be ignored entirely")
	}
}

func TestObligation_UnknownAndDuplicate(t *testing.T) {
	res := replay(t,
		updated(at(1, 0), target, 7, event.ObligationPaid, nil),
		created(at(2, 0), target, 1),
		created(at(3, 0), target, 1),
	)
	if len(res.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(res.Violations))
	}
	if res.Violations[0].Kind != ledger.ViolationUnknownObligation || res.Violations[0].ItemID != 7 {
		t.Errorf("first: got %s item %d", res.Violations[0].Kind, res.Violations[0].ItemID)
	}
	if res.Violations[1].Kind != ledger.ViolationDuplicateObligation {
		t.Errorf("second: got %s", res.Violations[1].Kind)
	}
	if len(res.Records) != 1 {
		t.Errorf("records: got %d, want 1", len(res.Records))
	}
}

func TestObligation_ReinitiationRecord(t *testing.T) {
	succ := uint64(2)
	res := replay(t,
		created(at(1, 0), target, 1),
		updated(at(2, 0), target, 1, event.ObligationReinitiated, &succ),
		created(at(2, 1), target, 2),
	)

	rec := res.Records[1]
	if rec.Kind != core.RecordObligation || rec.Obligation == nil {
		t.Fatalf("expected obligation record, got %s", rec.Kind)
	}
	if rec.Obligation.State != event.ObligationReinitiated || *rec.Obligation.ReinitiatedTo != 2 {
		t.Errorf("got %s -> %v", rec.Obligation.State, rec.Obligation.ReinitiatedTo)
	}
	if rec.Position.BlockHeight != 2 || rec.Account != "E" {
		t.Errorf("update record should carry the update position and obligor")
	}
	if chain := res.Registry.Chain(1); len(chain) != 2 || chain[1] != 2 {
		t.Errorf("chain: got %v, want [1 2]", chain)
	}
	// The creation record keeps its original snapshot
	if res.Records[0].Obligation.State != event.ObligationUnpaid {
		t.Errorf("creation record mutated to %s", res.Records[0].Obligation.State)
	}
}

// ============================================================================
// Test: Ordering contract
// ============================================================================

func TestReplay_RejectsOutOfOrderUpFront(t *testing.T) {
	session := core.NewSession(core.Config{TargetIssuance: target})
	res, err := session.Replay([]event.Event{
		deposit(at(2, 0), "X", "T", 100),
		deposit(at(1, 0), "X", "T", 100),
	})
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
	if res != nil {
		t.Error("rejected session must not return a result")
	}
	if session.State() != core.SessionFailed {
		t.Errorf("state: got %s, want Failed", session.State())
	}
}

func TestReplay_RejectsEqualPositions(t *testing.T) {
	_, err := core.NewSession(core.Config{TargetIssuance: target}).Replay([]event.Event{
		deposit(at(1, 0), "X", "T", 1),
		deposit(at(1, 0), "X", "T", 1),
	})
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
}

func TestReplay_SessionSingleUse(t *testing.T) {
	session := core.NewSession(core.Config{TargetIssuance: target})
	if _, err := session.Replay(nil); err != nil {
		t.Fatalf("empty replay: %v", err)
	}
	if session.State() != core.SessionComplete {
		t.Errorf("state: got %s, want Complete", session.State())
	}
	if _, err := session.Replay(nil); !errors.Is(err, core.ErrSessionUsed) {
		t.Errorf("got %v, want ErrSessionUsed", err)
	}
}

func TestSortEvents_Stable(t *testing.T) {
	a := deposit(at(1, 0), "A", "T", 1)
	b := deposit(at(1, 0), "B", "T", 1)
	c := deposit(at(0, 5), "C", "T", 1)
	events := []event.Event{a, b, c}

	core.SortEvents(events)
	if events[0] != c || events[1] != a || events[2] != b {
		t.Error("sort must be stable by position")
	}
}

// ============================================================================
// Test: Lazy sources
// ============================================================================

// countingSource counts Next calls to prove nothing is read ahead.
type countingSource struct {
	events []event.Event
	calls  int
	err    error
}

func (s *countingSource) Next(ctx context.Context) (event.Event, error) {
	s.calls++
	if s.calls > len(s.events) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	return s.events[s.calls-1], nil
}

func TestRun_IncrementalOrderCheck(t *testing.T) {
	src := &countingSource{events: []event.Event{
		deposit(at(1, 0), "X", "T", 100),
		deposit(at(3, 0), "X", "T", 100),
		deposit(at(2, 0), "X", "T", 100),
		deposit(at(4, 0), "X", "T", 100),
	}}

	session := core.NewSession(core.Config{TargetIssuance: target})
	res, err := session.Run(context.Background(), src)
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
	if res.Events != 2 {
		t.Errorf("events applied before failure: got %d, want 2", res.Events)
	}
	if src.calls != 3 {
		t.Errorf("source read ahead: %d calls", src.calls)
	}
	assertBalance(t, res, ledger.TierInstrument, "X", "T", 200)
}

func TestRun_RejectReasonMetric(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	src := core.NewSliceSource([]event.Event{
		deposit(at(1, 0), "X", "T", 1),
		deposit(at(1, 0), "X", "T", 1),
	})

	_, err := core.NewSession(core.Config{TargetIssuance: target, Metrics: metrics}).Run(context.Background(), src)
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
	if got := testutil.ToFloat64(metrics.CoreEventsRejected.WithLabelValues("TokenDeposited", "duplicate")); got != 1 {
		t.Errorf("duplicate rejections: got %v, want 1", got)
	}
}

func TestRun_MaxEvents(t *testing.T) {
	src := &countingSource{events: []event.Event{
		deposit(at(1, 0), "X", "T", 1),
		deposit(at(2, 0), "X", "T", 1),
		deposit(at(3, 0), "X", "T", 1),
	}}

	res, err := core.NewSession(core.Config{TargetIssuance: target, MaxEvents: 2}).Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Truncated || res.Events != 2 || src.calls != 2 {
		t.Errorf("got truncated=%v events=%d calls=%d", res.Truncated, res.Events, src.calls)
	}
	assertBalance(t, res, ledger.TierInstrument, "X", "T", 2)
}

func TestRun_CancelledBetweenEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := core.NewSession(core.Config{TargetIssuance: target})
	res, err := session.Run(ctx, core.NewSliceSource([]event.Event{deposit(at(1, 0), "X", "T", 1)}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res.Events != 0 {
		t.Errorf("no event should be applied, got %d", res.Events)
	}
	if session.State() != core.SessionFailed {
		t.Errorf("state: got %s, want Failed", session.State())
	}
}

func TestRun_SourceError(t *testing.T) {
	boom := errors.New("stream reset")
	src := &countingSource{events: []event.Event{deposit(at(1, 0), "X", "T", 1)}, err: boom}

	res, err := core.NewSession(core.Config{TargetIssuance: target}).Run(context.Background(), src)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want source error", err)
	}
	if res.Events != 1 {
		t.Errorf("events: got %d, want 1", res.Events)
	}
}

// ============================================================================
// Test: Block timestamps
// ============================================================================

func TestBlockClock_CachedPerBlock(t *testing.T) {
	lookups := map[uint64]int{}
	clock := core.BlockClockFunc(func(ctx context.Context, height uint64) (int64, error) {
		lookups[height]++
		return int64(1_000 + height), nil
	})

	untimed := func(block, li uint64) event.Header {
		return event.Header{Position: event.Position{BlockHeight: block, LogIndex: li}}
	}

	res, err := core.NewSession(core.Config{TargetIssuance: target, Clock: clock}).Replay([]event.Event{
		deposit(untimed(7, 0), "X", "T", 1),
		deposit(untimed(7, 1), "X", "T", 1),
		deposit(untimed(8, 0), "X", "T", 1),
		deposit(at(9, 0), "X", "T", 1),
		deposit(untimed(9, 1), "X", "T", 1),
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if lookups[7] != 1 || lookups[8] != 1 || lookups[9] != 0 {
		t.Errorf("unexpected lookups %v", lookups)
	}
	if res.Records[1].Timestamp != 1_007 {
		t.Errorf("timestamp: got %d, want 1007", res.Records[1].Timestamp)
	}
	if res.Records[4].Timestamp != res.Records[3].Timestamp {
		t.Error("a carried block timestamp should be reused for the same block")
	}
}

func TestBlockClock_FailureLeavesZero(t *testing.T) {
	clock := core.BlockClockFunc(func(ctx context.Context, height uint64) (int64, error) {
		return 0, core.ErrBlockNotFound
	})
	res, err := core.NewSession(core.Config{TargetIssuance: target, Clock: clock}).Replay([]event.Event{
		deposit(event.Header{Position: event.Position{BlockHeight: 1}}, "X", "T", 1),
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.Records[0].Timestamp != 0 {
		t.Errorf("timestamp: got %d, want 0", res.Records[0].Timestamp)
	}
}

// ============================================================================
// Test: Independent sessions
// ============================================================================

func TestSessions_Independent(t *testing.T) {
	events := []event.Event{
		deposit(at(1, 0), "X", "T", 100),
		transfer(at(2, 0), 5, event.TransferLock, "X", "X", "T", 10),
		transfer(at(3, 0), 6, event.TransferLock, "X", "X", "T", 20),
	}

	r5, err := core.NewSession(core.Config{TargetIssuance: 5}).Replay(events)
	if err != nil {
		t.Fatal(err)
	}
	r6, err := core.NewSession(core.Config{TargetIssuance: 6}).Replay(events)
	if err != nil {
		t.Fatal(err)
	}

	assertBalance(t, r5, ledger.TierIssuance, "X", "T", 10)
	assertBalance(t, r6, ledger.TierIssuance, "X", "T", 20)
	assertBalance(t, r5, ledger.TierInstrument, "X", "T", 70)
	assertBalance(t, r6, ledger.TierInstrument, "X", "T", 70)
}
