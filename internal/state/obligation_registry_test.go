package state_test

import (
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/state"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payable(id uint64) state.Obligation {
	return state.Obligation{
		ItemID:       id,
		IssuanceID:   5,
		ItemType:     event.ItemTypePayable,
		Obligor:      "E",
		Claimant:     "X",
		Token:        "T",
		Amount:       decimal.NewFromInt(100),
		DueTimestamp: 1700000000,
	}
}

func u64(v uint64) *uint64 { return &v }

// ============================================================================
// Test: Create
// ============================================================================

func TestRegistry_CreateDefaultsToUnpaid(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))

	o, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, event.ObligationUnpaid, o.State)
	assert.Equal(t, int64(1), o.Version)
	assert.Nil(t, o.ReinitiatedTo)
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))

	dup := payable(1)
	dup.Amount = decimal.NewFromInt(999)
	err := r.Create(dup)
	require.ErrorIs(t, err, state.ErrDuplicateObligation)

	o, _ := r.Get(1)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(100)), "original must be kept")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CreateWithInitialState(t *testing.T) {
	r := state.NewObligationRegistry()
	o := payable(3)
	o.State = event.ObligationReinitiated
	require.NoError(t, r.Create(o))

	got, _ := r.Get(3)
	assert.Equal(t, event.ObligationReinitiated, got.State)

	bad := payable(4)
	bad.State = event.ObligationState(9)
	assert.ErrorIs(t, r.Create(bad), state.ErrInvalidState)
}

// ============================================================================
// Test: Transition
// ============================================================================

func TestRegistry_TransitionUnknown(t *testing.T) {
	r := state.NewObligationRegistry()
	_, err := r.Transition(42, event.ObligationPaid, nil)
	assert.ErrorIs(t, err, state.ErrUnknownObligation)
}

func TestRegistry_PaidIsTerminal(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))

	o, err := r.Transition(1, event.ObligationPaid, nil)
	require.NoError(t, err)
	assert.Equal(t, event.ObligationPaid, o.State)

	for _, next := range []event.ObligationState{event.ObligationUnpaid, event.ObligationPaid, event.ObligationReinitiated} {
		_, err := r.Transition(1, next, u64(2))
		assert.ErrorIs(t, err, state.ErrTerminalObligation, "transition to %s", next)
	}

	got, _ := r.Get(1)
	assert.Equal(t, event.ObligationPaid, got.State)
	assert.Nil(t, got.ReinitiatedTo)
	assert.Equal(t, int64(2), got.Version)
}

func TestRegistry_ReinitiateRecordsSuccessor(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))

	o, err := r.Transition(1, event.ObligationReinitiated, u64(2))
	require.NoError(t, err)
	require.NotNil(t, o.ReinitiatedTo)
	assert.Equal(t, uint64(2), *o.ReinitiatedTo)

	// Returned copy must not alias registry state
	*o.ReinitiatedTo = 77
	got, _ := r.Get(1)
	assert.Equal(t, uint64(2), *got.ReinitiatedTo)
}

func TestRegistry_SuccessorIgnoredUnlessReinitiated(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))

	o, err := r.Transition(1, event.ObligationPaid, u64(9))
	require.NoError(t, err)
	assert.Nil(t, o.ReinitiatedTo)
}

func TestRegistry_InvalidTargetState(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))

	_, err := r.Transition(1, event.ObligationStateUnknown, nil)
	assert.ErrorIs(t, err, state.ErrInvalidState)
}

// ============================================================================
// Test: Read accessors
// ============================================================================

func TestRegistry_AllAndOutstanding(t *testing.T) {
	r := state.NewObligationRegistry()
	for _, id := range []uint64{3, 1, 2} {
		require.NoError(t, r.Create(payable(id)))
	}
	_, err := r.Transition(1, event.ObligationPaid, nil)
	require.NoError(t, err)

	var ids []uint64
	for _, o := range r.All() {
		ids = append(ids, o.ItemID)
	}
	assert.Equal(t, []uint64{3, 1, 2}, ids)

	ids = ids[:0]
	for _, o := range r.Outstanding() {
		ids = append(ids, o.ItemID)
	}
	assert.Equal(t, []uint64{3, 2}, ids)
}

func TestRegistry_Chain(t *testing.T) {
	r := state.NewObligationRegistry()
	for _, id := range []uint64{1, 2, 3} {
		require.NoError(t, r.Create(payable(id)))
	}
	_, err := r.Transition(1, event.ObligationReinitiated, u64(2))
	require.NoError(t, err)
	_, err = r.Transition(2, event.ObligationReinitiated, u64(3))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, r.Chain(1))
	assert.Equal(t, []uint64{2, 3}, r.Chain(2))
	assert.Equal(t, []uint64{3}, r.Chain(3))
	assert.Nil(t, r.Chain(99))
}

func TestRegistry_ChainStopsAtMissingOrRepeated(t *testing.T) {
	r := state.NewObligationRegistry()
	require.NoError(t, r.Create(payable(1)))
	require.NoError(t, r.Create(payable(2)))

	_, err := r.Transition(1, event.ObligationReinitiated, u64(50))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, r.Chain(1))

	// A malformed stream can point back at an earlier item
	_, err = r.Transition(2, event.ObligationReinitiated, u64(2))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, r.Chain(2))
}

func TestObligation_CanonicalBytesStable(t *testing.T) {
	a := payable(1)
	b := payable(1)
	assert.Equal(t, a.CanonicalBytes(), b.CanonicalBytes())

	b.ReinitiatedTo = u64(2)
	assert.NotEqual(t, a.CanonicalBytes(), b.CanonicalBytes())
}
