package state

import (
	"EscrowAudit/internal/event"
	"errors"
	"fmt"
)

var (
	ErrDuplicateObligation = errors.New("duplicate obligation")
	ErrUnknownObligation   = errors.New("unknown obligation")
	ErrTerminalObligation  = errors.New("obligation is terminal")
	ErrInvalidState        = errors.New("invalid obligation state")
)

// ObligationRegistry tracks payables by item id for one replay session.
// Obligations are never deleted; reinitiated items stay as history.
// Not thread-safe: owned by a single session.
type ObligationRegistry struct {
	items map[uint64]*Obligation
	order []uint64 // Creation order
}

func NewObligationRegistry() *ObligationRegistry {
	return &ObligationRegistry{
		items: make(map[uint64]*Obligation),
	}
}

// Create inserts a new obligation. A zero state defaults to Unpaid.
func (r *ObligationRegistry) Create(o Obligation) error {
	if _, exists := r.items[o.ItemID]; exists {
		return fmt.Errorf("item %d: %w", o.ItemID, ErrDuplicateObligation)
	}
	if o.State == event.ObligationStateUnknown {
		o.State = event.ObligationUnpaid
	}
	if !o.State.Valid() {
		return fmt.Errorf("item %d: %s: %w", o.ItemID, o.State, ErrInvalidState)
	}

	stored := o.Clone()
	stored.Version = 1
	r.items[o.ItemID] = &stored
	r.order = append(r.order, o.ItemID)
	return nil
}

// Transition moves an obligation to newState. reinitiatedTo is recorded only
// when newState is Reinitiated. On error the obligation is left unchanged.
func (r *ObligationRegistry) Transition(itemID uint64, newState event.ObligationState, reinitiatedTo *uint64) (*Obligation, error) {
	o, ok := r.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", itemID, ErrUnknownObligation)
	}
	if !newState.Valid() {
		return nil, fmt.Errorf("item %d: %s: %w", itemID, newState, ErrInvalidState)
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("item %d is %s, cannot move to %s: %w", itemID, o.State, newState, ErrTerminalObligation)
	}
	if !CanTransitionTo(o.State, newState) {
		return nil, fmt.Errorf("item %d: %s -> %s: %w", itemID, o.State, newState, ErrInvalidState)
	}

	o.State = newState
	if newState == event.ObligationReinitiated && reinitiatedTo != nil {
		next := *reinitiatedTo
		o.ReinitiatedTo = &next
	}
	o.Version++

	c := o.Clone()
	return &c, nil
}

// Get returns a copy of the obligation
func (r *ObligationRegistry) Get(itemID uint64) (Obligation, bool) {
	o, ok := r.items[itemID]
	if !ok {
		return Obligation{}, false
	}
	return o.Clone(), true
}

// All returns copies of every obligation in creation order
func (r *ObligationRegistry) All() []Obligation {
	out := make([]Obligation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id].Clone())
	}
	return out
}

// Outstanding returns obligations still Unpaid, in creation order
func (r *ObligationRegistry) Outstanding() []Obligation {
	var out []Obligation
	for _, id := range r.order {
		if o := r.items[id]; o.State == event.ObligationUnpaid {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Chain follows reinitiatedTo links forward from itemID and returns the ids
// visited, starting with itemID. Successors that were never created end the
// chain; a repeated id stops the walk.
func (r *ObligationRegistry) Chain(itemID uint64) []uint64 {
	if _, ok := r.items[itemID]; !ok {
		return nil
	}

	chain := []uint64{itemID}
	visited := map[uint64]struct{}{itemID: {}}
	current := r.items[itemID]

	for current.ReinitiatedTo != nil {
		next := *current.ReinitiatedTo
		if _, seen := visited[next]; seen {
			break
		}
		o, ok := r.items[next]
		if !ok {
			break
		}
		chain = append(chain, next)
		visited[next] = struct{}{}
		current = o
	}
	return chain
}

// Len returns the number of tracked obligations
func (r *ObligationRegistry) Len() int {
	return len(r.order)
}
