package core

import (
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/ledger"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/state"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrSessionUsed is returned when Replay or Run is called twice on one session.
	ErrSessionUsed = errors.New("replay session already used")
	// ErrUnknownEvent is returned for an event variant the projector has no handler for.
	ErrUnknownEvent = errors.New("unknown event variant")
	// ErrMalformedEvent is returned when a well-formed event contract is broken
	// (negative amount, invalid state code).
	ErrMalformedEvent = errors.New("malformed event")
)

// SessionState is the lifecycle of one replay session
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionReplaying
	SessionComplete
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "Idle"
	case SessionReplaying:
		return "Replaying"
	case SessionComplete:
		return "Complete"
	case SessionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Source is a lazy, finite, non-restartable event sequence. Next returns
// io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) (event.Event, error)
}

// SliceSource serves a materialized slice as a Source.
type SliceSource struct {
	events []event.Event
	pos    int
}

func NewSliceSource(events []event.Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next(ctx context.Context) (event.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

// Config parameterizes one replay session.
type Config struct {
	// Scopes issuance-tier mutation and all obligation processing
	TargetIssuance uint64

	// Resolves missing block timestamps. Optional.
	Clock BlockClock

	// Optional; nil disables metrics
	Metrics *observability.Metrics

	// Zero value disables logging
	Logger zerolog.Logger

	// Stop after this many events (0 = unlimited). Checked between events only.
	MaxEvents int
}

// Result is the final state of a completed (or stopped) session.
type Result struct {
	TargetIssuance uint64
	Records        []Record
	Violations     []ledger.Violation
	Ledger         *ledger.BalanceTracker
	Registry       *state.ObligationRegistry

	// Events consumed
	Events int

	// True when MaxEvents stopped the session; the source may hold more events
	Truncated bool

	// Position of the last applied event; zero when no event was applied
	LastPosition event.Position

	// Hex chain tip over every record digest
	Hash string
}

// NegativeBalances lists every balance still below zero at the end of the session.
func (r *Result) NegativeBalances() []ledger.Violation {
	return ledger.NewInvariantValidator(r.Ledger).NegativeEntries()
}

// Session is the single-threaded replay projector. It owns its ledger and
// registry exclusively; independent sessions never share state.
type Session struct {
	cfg    Config
	status SessionState

	balanceTracker    *ledger.BalanceTracker
	registry          *state.ObligationRegistry
	sequenceValidator *SequenceValidator
	hasher            *ReportHasher
	clock             *blockTimestampCache

	records    []Record
	violations []ledger.Violation
	events     int
	truncated  bool

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:               cfg,
		status:            SessionIdle,
		balanceTracker:    ledger.NewBalanceTracker(),
		registry:          state.NewObligationRegistry(),
		sequenceValidator: NewSequenceValidator(),
		hasher:            NewReportHasher(),
		clock:             newBlockTimestampCache(cfg.Clock, cfg.Metrics),
		logger: cfg.Logger.With().
			Uint64("target_issuance", cfg.TargetIssuance).
			Logger(),
		metrics: cfg.Metrics,
	}
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	return s.status
}

// Replay validates the whole sequence up front and rejects it with
// ErrOutOfOrder before touching any state. Otherwise it folds every event and
// returns the completed result.
func (s *Session) Replay(events []event.Event) (*Result, error) {
	if s.status != SessionIdle {
		return nil, ErrSessionUsed
	}
	if idx, err := ValidateAll(events); err != nil {
		s.status = SessionFailed
		if s.metrics != nil {
			s.metrics.CoreEventsRejected.WithLabelValues(events[idx].Kind().String(), "out_of_order").Inc()
		}
		s.logger.Error().Err(err).Int("index", idx).Msg("replay rejected")
		return nil, err
	}
	return s.Run(context.Background(), NewSliceSource(events))
}

// Run consumes a lazy source, validating order incrementally. Cancellation
// and MaxEvents are honored only between events. On error the returned
// Result holds the state reached before the failing event.
func (s *Session) Run(ctx context.Context, src Source) (*Result, error) {
	if s.status != SessionIdle {
		return nil, ErrSessionUsed
	}
	s.status = SessionReplaying
	start := time.Now()

	s.logger.Info().Msg("replay started")

	for {
		if s.cfg.MaxEvents > 0 && s.events >= s.cfg.MaxEvents {
			s.truncated = true
			break
		}
		if err := ctx.Err(); err != nil {
			return s.fail(fmt.Errorf("replay stopped after %d events: %w", s.events, err))
		}

		evt, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fail(fmt.Errorf("source failed after %d events: %w", s.events, err))
		}
		if evt == nil {
			return s.fail(fmt.Errorf("source returned nil event after %d events: %w", s.events, ErrMalformedEvent))
		}

		if err := s.sequenceValidator.ValidatePosition(evt.Pos()); err != nil {
			if s.metrics != nil {
				reason := s.sequenceValidator.RejectReason(evt.Pos())
				s.metrics.CoreEventsRejected.WithLabelValues(evt.Kind().String(), reason).Inc()
			}
			return s.fail(err)
		}

		if err := s.processEvent(ctx, evt); err != nil {
			return s.fail(err)
		}
	}

	s.status = SessionComplete
	if s.metrics != nil {
		s.metrics.ReplayEventsTotal.Add(float64(s.events))
		s.metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	}

	s.logger.Info().
		Int("events", s.events).
		Int("records", len(s.records)).
		Int("violations", len(s.violations)).
		Bool("truncated", s.truncated).
		Str("hash", s.hasher.Hex()).
		Dur("elapsed", time.Since(start)).
		Msg("replay complete")

	return s.result(), nil
}

func (s *Session) fail(err error) (*Result, error) {
	s.status = SessionFailed
	s.logger.Error().Err(err).Int("events", s.events).Msg("replay failed")
	return s.result(), err
}

func (s *Session) result() *Result {
	last, _ := s.sequenceValidator.LastPosition()
	return &Result{
		TargetIssuance: s.cfg.TargetIssuance,
		Records:        s.records,
		Violations:     s.violations,
		Ledger:         s.balanceTracker,
		Registry:       s.registry,
		Events:         s.events,
		Truncated:      s.truncated,
		LastPosition:   last,
		Hash:           s.hasher.Hex(),
	}
}

// processEvent applies one event that has already passed order validation.
// The event is fully applied (state, records, violations) before it returns.
func (s *Session) processEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.Kind().String()
	ts := s.resolveTimestamp(ctx, evt)

	var err error
	switch e := evt.(type) {
	case *event.TokenDeposited:
		err = s.handleTokenDeposited(e, ts)
	case *event.TokenWithdrawn:
		err = s.handleTokenWithdrawn(e, ts)
	case *event.Transferred:
		err = s.handleTransferred(e, ts)
	case *event.ObligationCreated:
		err = s.handleObligationCreated(e, ts)
	case *event.ObligationUpdated:
		err = s.handleObligationUpdated(e, ts)
	default:
		err = fmt.Errorf("%T at %s: %w", evt, evt.Pos(), ErrUnknownEvent)
	}
	if err != nil {
		return err
	}

	s.events++
	if s.metrics != nil {
		s.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		s.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	return nil
}

// resolveTimestamp returns the event's block timestamp, looking it up once
// per block when the event arrived without one. Lookup failures leave the
// timestamp at zero.
func (s *Session) resolveTimestamp(ctx context.Context, evt event.Event) int64 {
	height := evt.Pos().BlockHeight
	if ts := evt.Time(); ts != 0 {
		s.clock.observe(height, ts)
		return ts
	}
	ts, err := s.clock.resolve(ctx, height)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("block", height).Msg("block timestamp unresolved")
		return 0
	}
	return ts
}

func (s *Session) handleTokenDeposited(e *event.TokenDeposited, ts int64) error {
	if err := s.credit(e, ledger.TierInstrument, e.Account, e.Token, e.Amount); err != nil {
		return err
	}
	s.emitBalance(e, ts, e.Account, WalletDeposit, "")
	return nil
}

func (s *Session) handleTokenWithdrawn(e *event.TokenWithdrawn, ts int64) error {
	if err := s.debit(e, ledger.TierInstrument, e.Account, e.Token, e.Amount); err != nil {
		return err
	}
	s.emitBalance(e, ts, e.Account, WalletWithdraw, "")
	return nil
}

// handleTransferred dispatches on transfer type. Only lock, release and
// settlement mutate the ledger. Inbound and outbound transfers are counted
// and logged but produce neither a mutation nor a record.
func (s *Session) handleTransferred(e *event.Transferred, ts int64) error {
	inTarget := e.IssuanceID == s.cfg.TargetIssuance

	switch e.TransferType {
	case event.TransferLock:
		if err := s.debit(e, ledger.TierInstrument, e.From, e.Token, e.Amount); err != nil {
			return err
		}
		if inTarget {
			if err := s.credit(e, ledger.TierIssuance, e.From, e.Token, e.Amount); err != nil {
				return err
			}
		}
		s.emitBalance(e, ts, e.From, "", e.Action)

	case event.TransferRelease:
		if err := s.credit(e, ledger.TierInstrument, e.From, e.Token, e.Amount); err != nil {
			return err
		}
		if inTarget {
			if err := s.debit(e, ledger.TierIssuance, e.From, e.Token, e.Amount); err != nil {
				return err
			}
		}
		s.emitBalance(e, ts, e.From, "", e.Action)

	case event.TransferSettlement:
		if !inTarget {
			return nil
		}
		if err := s.debit(e, ledger.TierIssuance, e.From, e.Token, e.Amount); err != nil {
			return err
		}
		if err := s.credit(e, ledger.TierIssuance, e.To, e.Token, e.Amount); err != nil {
			return err
		}
		s.emitBalance(e, ts, e.From, "", e.Action)
		s.emitBalance(e, ts, e.To, "", e.Action)

	case event.TransferInbound, event.TransferOutbound:
		s.unhandledTransfer(e)

	default:
		s.unhandledTransfer(e)
	}
	return nil
}

func (s *Session) unhandledTransfer(e *event.Transferred) {
	if s.metrics != nil {
		s.metrics.CoreUnhandledTransfer.WithLabelValues(strconv.Itoa(int(e.TransferType))).Inc()
	}
	s.logger.Debug().
		Str("position", e.Pos().String()).
		Int32("transfer_type", int32(e.TransferType)).
		Uint64("issuance_id", e.IssuanceID).
		Str("amount", e.Amount.String()).
		Msg("unhandled transfer type")
}

func (s *Session) handleObligationCreated(e *event.ObligationCreated, ts int64) error {
	if e.IssuanceID != s.cfg.TargetIssuance {
		return nil
	}

	err := s.registry.Create(state.Obligation{
		ItemID:       e.ItemID,
		IssuanceID:   e.IssuanceID,
		EngagementID: e.EngagementID,
		ItemType:     e.ItemType,
		Obligor:      e.Obligor,
		Claimant:     e.Claimant,
		Token:        e.Token,
		Amount:       e.Amount,
		DueTimestamp: e.DueTimestamp,
		State:        e.InitialState,
	})
	switch {
	case errors.Is(err, state.ErrDuplicateObligation):
		s.recordViolation(ledger.Violation{
			Kind:      ledger.ViolationDuplicateObligation,
			Position:  e.Pos(),
			EventKind: e.Kind(),
			ItemID:    e.ItemID,
			Detail:    "obligation already exists, creation skipped",
			Err:       err,
		})
		return nil
	case err != nil:
		return fmt.Errorf("%s at %s: %v: %w", e.Kind(), e.Pos(), err, ErrMalformedEvent)
	}

	created, _ := s.registry.Get(e.ItemID)
	s.emitObligation(e, ts, created)
	return nil
}

func (s *Session) handleObligationUpdated(e *event.ObligationUpdated, ts int64) error {
	if e.IssuanceID != s.cfg.TargetIssuance {
		return nil
	}

	updated, err := s.registry.Transition(e.ItemID, e.NewState, e.ReinitiatedTo)
	switch {
	case errors.Is(err, state.ErrUnknownObligation):
		s.recordViolation(ledger.Violation{
			Kind:      ledger.ViolationUnknownObligation,
			Position:  e.Pos(),
			EventKind: e.Kind(),
			ItemID:    e.ItemID,
			Detail:    fmt.Sprintf("update to %s for an item never created", e.NewState),
			Err:       err,
		})
		return nil
	case errors.Is(err, state.ErrTerminalObligation):
		s.recordViolation(ledger.Violation{
			Kind:      ledger.ViolationTerminalObligation,
			Position:  e.Pos(),
			EventKind: e.Kind(),
			ItemID:    e.ItemID,
			Detail:    fmt.Sprintf("update to %s after Paid, state unchanged", e.NewState),
			Err:       err,
		})
		return nil
	case err != nil:
		return fmt.Errorf("%s at %s: %v: %w", e.Kind(), e.Pos(), err, ErrMalformedEvent)
	}

	s.emitObligation(e, ts, *updated)
	return nil
}

func (s *Session) credit(evt event.Event, tier ledger.Tier, account, token string, amount decimal.Decimal) error {
	if err := s.balanceTracker.Credit(tier, account, token, amount); err != nil {
		return fmt.Errorf("%s at %s: %v: %w", evt.Kind(), evt.Pos(), err, ErrMalformedEvent)
	}
	return nil
}

func (s *Session) debit(evt event.Event, tier ledger.Tier, account, token string, amount decimal.Decimal) error {
	v, err := s.balanceTracker.Debit(tier, account, token, amount)
	if err != nil {
		return fmt.Errorf("%s at %s: %v: %w", evt.Kind(), evt.Pos(), err, ErrMalformedEvent)
	}
	if v != nil {
		v.Position = evt.Pos()
		v.EventKind = evt.Kind()
		s.recordViolation(*v)
	}
	return nil
}

func (s *Session) recordViolation(v ledger.Violation) {
	s.violations = append(s.violations, v)
	if s.metrics != nil {
		s.metrics.CoreViolations.WithLabelValues(v.Kind.String()).Inc()
	}
	s.logger.Warn().
		Str("kind", v.Kind.String()).
		Str("position", v.Position.String()).
		Str("event_type", v.EventKind.String()).
		Str("account", v.Account).
		Uint64("item_id", v.ItemID).
		Msg(v.Detail)
}

func (s *Session) emitBalance(evt event.Event, ts int64, account, wallet, action string) {
	s.emit(Record{
		Kind:      RecordBalance,
		Position:  evt.Pos(),
		EventKind: evt.Kind(),
		Timestamp: ts,
		Account:   account,
		Wallet:    wallet,
		Action:    action,
		Balances:  s.balanceTracker.Snapshot(account),
	})
}

func (s *Session) emitObligation(evt event.Event, ts int64, o state.Obligation) {
	s.emit(Record{
		Kind:       RecordObligation,
		Position:   evt.Pos(),
		EventKind:  evt.Kind(),
		Timestamp:  ts,
		Account:    o.Obligor,
		Obligation: &o,
	})
}

func (s *Session) emit(rec Record) {
	s.records = append(s.records, rec)
	s.hasher.ComputeHash(rec.CanonicalBytes())
	if s.metrics != nil {
		s.metrics.CoreRecordsEmitted.WithLabelValues(rec.EventKind.String()).Inc()
	}
}
