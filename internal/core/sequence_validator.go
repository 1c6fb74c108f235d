package core

import (
	"EscrowAudit/internal/event"
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfOrder is returned when events are not strictly ascending by
// (blockHeight, logIndex).
var ErrOutOfOrder = errors.New("event out of order")

// SequenceValidator enforces the strict total replay order.
// Not thread-safe; only the owning session touches it.
type SequenceValidator struct {
	last    event.Position
	started bool
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{}
}

// ValidatePosition accepts pos only if it sorts strictly after the last
// accepted position. Equal positions are rejected.
func (sv *SequenceValidator) ValidatePosition(pos event.Position) error {
	if sv.started && !sv.last.Less(pos) {
		return fmt.Errorf("position %s after %s: %w", pos, sv.last, ErrOutOfOrder)
	}
	sv.last = pos
	sv.started = true
	return nil
}

// ValidateAll checks a whole materialized sequence without side effects on
// the validator. It returns the index of the first offending event.
func ValidateAll(events []event.Event) (int, error) {
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1].Pos(), events[i].Pos()
		if !prev.Less(cur) {
			return i, fmt.Errorf("event %d at %s after %s: %w", i, cur, prev, ErrOutOfOrder)
		}
	}
	return -1, nil
}

// SortEvents orders events by position. The sort is stable so events sharing
// a position keep their input order (and are still rejected by validation).
func SortEvents(events []event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Pos().Less(events[j].Pos())
	})
}

// LastPosition returns the last accepted position.
func (sv *SequenceValidator) LastPosition() (event.Position, bool) {
	return sv.last, sv.started
}

// RejectReason labels a rejected position: "duplicate" when it repeats the
// last accepted one, "out_of_order" otherwise.
func (sv *SequenceValidator) RejectReason(pos event.Position) string {
	if sv.started && sv.last == pos {
		return "duplicate"
	}
	return "out_of_order"
}
