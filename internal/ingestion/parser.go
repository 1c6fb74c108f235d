package ingestion

import (
	"EscrowAudit/internal/event"
	"EscrowAudit/internal/observability"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownEvent = errors.New("unknown event name")
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

// DecodeError describes a log entry that could not be turned into a typed
// event. Sources skip these and keep reading.
type DecodeError struct {
	Event    string
	Position event.Position
	Field    string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %s at %s: %v", e.Event, e.Position, e.Err)
	}
	return fmt.Sprintf("decode %s at %s: field %s: %v", e.Event, e.Position, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reason is a short metric label for the failure.
func (e *DecodeError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(e.Err, ErrMissingField):
		return "missing_field"
	case errors.Is(e.Err, ErrInvalidField):
		return "invalid_field"
	default:
		return "malformed"
	}
}

// RawEvent is one contract log as exported by the chain indexer. Both the
// snake_case and the camelCase position keys are accepted.
type RawEvent struct {
	Event       string                     `json:"event"`
	BlockNumber *flexNumber                `json:"block_number"`
	BlockCamel  *flexNumber                `json:"blockNumber"`
	LogIndex    *flexNumber                `json:"log_index"`
	LogCamel    *flexNumber                `json:"logIndex"`
	Timestamp   *flexNumber                `json:"timestamp"`
	Args        map[string]json.RawMessage `json:"args"`
}

// flexNumber holds a JSON number or a quoted decimal string verbatim.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = flexNumber(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*n = flexNumber(num.String())
	return nil
}

// DecodeEvent parses one JSON log entry into a typed event.
func DecodeEvent(data []byte) (event.Event, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrInvalidField, err)}
	}
	return ParseRawEvent(raw)
}

// ParseRawEvent converts a raw log into the matching event variant. Contract
// event names and the ledger model names are both recognized.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	header, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	a := args{name: raw.Event, pos: header.Position, values: raw.Args}

	switch raw.Event {
	case "TokenDeposited":
		return parseTokenDeposited(header, a)
	case "TokenWithdrawn":
		return parseTokenWithdrawn(header, a)
	case "TokenTransferred", "Transferred":
		return parseTransferred(header, a)
	case "SupplementalLineItemCreated", "ObligationCreated":
		return parseObligationCreated(header, a)
	case "SupplementalLineItemUpdated", "ObligationUpdated":
		return parseObligationUpdated(header, a)
	default:
		return nil, &DecodeError{Event: raw.Event, Position: header.Position, Err: ErrUnknownEvent}
	}
}

func parseHeader(raw RawEvent) (event.Header, error) {
	var h event.Header
	fail := func(field string, err error) (event.Header, error) {
		return h, &DecodeError{Event: raw.Event, Position: h.Position, Field: field, Err: err}
	}

	block := raw.BlockNumber
	if block == nil {
		block = raw.BlockCamel
	}
	if block == nil {
		return fail("block_number", ErrMissingField)
	}
	height, err := parseUint(string(*block))
	if err != nil {
		return fail("block_number", err)
	}
	h.Position.BlockHeight = height

	logIndex := raw.LogIndex
	if logIndex == nil {
		logIndex = raw.LogCamel
	}
	if logIndex == nil {
		return fail("log_index", ErrMissingField)
	}
	idx, err := parseUint(string(*logIndex))
	if err != nil {
		return fail("log_index", err)
	}
	h.Position.LogIndex = idx

	if raw.Timestamp != nil && *raw.Timestamp != "" {
		ts, err := strconv.ParseInt(string(*raw.Timestamp), 10, 64)
		if err != nil || ts < 0 {
			return fail("timestamp", fmt.Errorf("%w: %q", ErrInvalidField, *raw.Timestamp))
		}
		h.Timestamp = ts
	}
	return h, nil
}

func parseTokenDeposited(h event.Header, a args) (event.Event, error) {
	account, err := a.str("depositer", "account")
	if err != nil {
		return nil, err
	}
	token, err := a.str("token", "tokenAddress")
	if err != nil {
		return nil, err
	}
	amount, err := a.amount("amount")
	if err != nil {
		return nil, err
	}
	return &event.TokenDeposited{Header: h, Account: account, Token: token, Amount: amount}, nil
}

func parseTokenWithdrawn(h event.Header, a args) (event.Event, error) {
	account, err := a.str("withdrawer", "account")
	if err != nil {
		return nil, err
	}
	token, err := a.str("token", "tokenAddress")
	if err != nil {
		return nil, err
	}
	amount, err := a.amount("amount")
	if err != nil {
		return nil, err
	}
	return &event.TokenWithdrawn{Header: h, Account: account, Token: token, Amount: amount}, nil
}

func parseTransferred(h event.Header, a args) (event.Event, error) {
	evt := &event.Transferred{Header: h}
	var err error

	if evt.IssuanceID, err = a.number("issuanceId"); err != nil {
		return nil, err
	}
	tt, err := a.number("transferType")
	if err != nil {
		return nil, err
	}
	evt.TransferType = event.TransferType(tt)
	if tt > uint64(event.TransferOutbound) {
		return nil, a.invalid("transferType", fmt.Sprintf("%d", tt))
	}
	if evt.From, err = a.str("fromAddress", "from"); err != nil {
		return nil, err
	}
	if evt.To, err = a.str("toAddress", "to"); err != nil {
		return nil, err
	}
	if evt.Token, err = a.str("tokenAddress", "token"); err != nil {
		return nil, err
	}
	if evt.Amount, err = a.amount("amount"); err != nil {
		return nil, err
	}
	if action, ok := a.optional("action"); ok {
		evt.Action = DecodeAction(action)
	}
	return evt, nil
}

func parseObligationCreated(h event.Header, a args) (event.Event, error) {
	evt := &event.ObligationCreated{Header: h, ItemType: event.ItemTypePayable}
	var err error

	if evt.IssuanceID, err = a.number("issuanceId"); err != nil {
		return nil, err
	}
	if evt.ItemID, err = a.number("itemId"); err != nil {
		return nil, err
	}
	if s, ok := a.optional("engagementId"); ok && s != "" {
		if evt.EngagementID, err = parseUint(s); err != nil {
			return nil, a.invalid("engagementId", s)
		}
	}
	if s, ok := a.optional("itemType"); ok && s != "" {
		// Payable (code 1) is the only supplemental line item type.
		if s != "1" && !strings.EqualFold(s, "payable") {
			return nil, a.invalid("itemType", s)
		}
	}
	if s, ok := a.optional("state"); ok && s != "" {
		if evt.InitialState, err = parseState(s); err != nil {
			return nil, a.invalid("state", s)
		}
	}
	if evt.Obligor, err = a.str("obligatorAddress", "obligor"); err != nil {
		return nil, err
	}
	if evt.Claimant, err = a.str("claimorAddress", "claimant"); err != nil {
		return nil, err
	}
	if evt.Token, err = a.str("tokenAddress", "token"); err != nil {
		return nil, err
	}
	if evt.Amount, err = a.amount("amount"); err != nil {
		return nil, err
	}
	if s, ok := a.optional("dueTimestamp"); ok && s != "" {
		due, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return nil, a.invalid("dueTimestamp", s)
		}
		evt.DueTimestamp = due
	}
	return evt, nil
}

func parseObligationUpdated(h event.Header, a args) (event.Event, error) {
	evt := &event.ObligationUpdated{Header: h}
	var err error

	if evt.IssuanceID, err = a.number("issuanceId"); err != nil {
		return nil, err
	}
	if evt.ItemID, err = a.number("itemId"); err != nil {
		return nil, err
	}
	s, err := a.str("state")
	if err != nil {
		return nil, err
	}
	if evt.NewState, err = parseState(s); err != nil {
		return nil, a.invalid("state", s)
	}
	if s, ok := a.optional("reinitiatedTo"); ok && s != "" && s != "0" {
		next, perr := parseUint(s)
		if perr != nil {
			return nil, a.invalid("reinitiatedTo", s)
		}
		evt.ReinitiatedTo = &next
	}
	return evt, nil
}

// parseState accepts the numeric on-chain code or the state name.
func parseState(s string) (event.ObligationState, error) {
	switch strings.ToLower(s) {
	case "unpaid":
		return event.ObligationUnpaid, nil
	case "paid":
		return event.ObligationPaid, nil
	case "reinitiated":
		return event.ObligationReinitiated, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return event.ObligationStateUnknown, err
	}
	state := event.ObligationState(n)
	if !state.Valid() {
		return event.ObligationStateUnknown, fmt.Errorf("state %d out of range", n)
	}
	return state, nil
}

// DecodeAction turns a bytes32 action label into text. Values that are not
// 0x-prefixed hex are returned as they are.
func DecodeAction(s string) string {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return s
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return s
	}
	return string(bytes.TrimRight(b, "\x00"))
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidField, s)
	}
	return n, nil
}

// args reads named event arguments; the first present alias wins.
type args struct {
	name   string
	pos    event.Position
	values map[string]json.RawMessage
}

func (a args) optional(names ...string) (string, bool) {
	for _, name := range names {
		raw, ok := a.values[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var n flexNumber
		if err := json.Unmarshal(raw, &n); err == nil {
			return string(n), true
		}
	}
	return "", false
}

func (a args) str(names ...string) (string, error) {
	s, ok := a.optional(names...)
	if !ok || s == "" {
		return "", &DecodeError{Event: a.name, Position: a.pos, Field: names[0], Err: ErrMissingField}
	}
	return s, nil
}

func (a args) number(name string) (uint64, error) {
	s, err := a.str(name)
	if err != nil {
		return 0, err
	}
	n, perr := strconv.ParseUint(s, 10, 64)
	if perr != nil {
		return 0, a.invalid(name, s)
	}
	return n, nil
}

// amount parses a non-negative integral token amount of arbitrary size.
func (a args) amount(name string) (decimal.Decimal, error) {
	s, err := a.str(name)
	if err != nil {
		return decimal.Zero, err
	}
	d, perr := decimal.NewFromString(s)
	if perr != nil || d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return decimal.Zero, a.invalid(name, s)
	}
	return d, nil
}

func (a args) invalid(field, value string) error {
	return &DecodeError{
		Event:    a.name,
		Position: a.pos,
		Field:    field,
		Err:      fmt.Errorf("%w: %q", ErrInvalidField, value),
	}
}

// Decoder wraps DecodeEvent with logging and metrics for one source.
type Decoder struct {
	source  string
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDecoder(source string, logger zerolog.Logger, metrics *observability.Metrics) *Decoder {
	return &Decoder{source: source, logger: logger, metrics: metrics}
}

// Decode returns the typed event, or a *DecodeError after logging and
// counting it. Unknown event names are logged at debug level since the
// indexer exports every contract log.
func (d *Decoder) Decode(data []byte) (event.Event, error) {
	evt, err := DecodeEvent(data)
	if err == nil {
		return evt, nil
	}

	var de *DecodeError
	if !errors.As(err, &de) {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.IngestDecodeFailures.WithLabelValues(d.source, de.Reason()).Inc()
	}
	logEvt := d.logger.Warn()
	if errors.Is(de, ErrUnknownEvent) {
		logEvt = d.logger.Debug()
	}
	logEvt.Err(err).Str("source", d.source).Str("position", de.Position.String()).Msg("skipping undecodable log")
	return nil, de
}

// IsDecodeError reports whether err is a per-entry decode failure that the
// source may skip.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
