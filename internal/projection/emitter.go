package projection

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/ledger"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ISOTimestamp is the report timestamp layout (UTC, millisecond precision).
const ISOTimestamp = "2006-01-02T15:04:05.000Z"

// Emitter flattens session records into report rows. It is pure: the same
// records always produce the same rows.
type Emitter struct {
	roles *RoleBook
}

func NewEmitter(roles *RoleBook) *Emitter {
	return &Emitter{roles: roles}
}

// Rows expands every record in order. A balance record yields one row per
// token the account has touched; an obligation record yields one row.
func (e *Emitter) Rows(records []core.Record) []Row {
	rows := make([]Row, 0, len(records))
	for i := range records {
		rows = append(rows, e.RecordRows(&records[i])...)
	}
	return rows
}

// RecordRows expands a single record.
func (e *Emitter) RecordRows(rec *core.Record) []Row {
	base := Row{
		BlockHeight: rec.Position.BlockHeight,
		LogIndex:    rec.Position.LogIndex,
		Timestamp:   FormatTimestamp(rec.Timestamp),
		Address:     rec.Account,
		Role:        e.roles.Role(rec.Account),
		Wallet:      rec.Wallet,
		Action:      rec.Action,
	}

	switch rec.Kind {
	case core.RecordBalance:
		return balanceRows(base, rec.Balances)

	case core.RecordObligation:
		o := rec.Obligation
		if o == nil {
			return nil
		}
		row := base
		row.ID = strconv.FormatUint(o.ItemID, 10)
		row.Type = o.ItemType.String()
		row.Token = o.Token
		row.Amount = o.Amount.String()
		row.Counterpart = e.roles.Role(o.Claimant)
		row.CounterpartAddress = o.Claimant
		row.DueTimestamp = strconv.FormatInt(o.DueTimestamp, 10)
		row.State = o.State.String()
		if o.ReinitiatedTo != nil {
			row.ReinitiatedTo = strconv.FormatUint(*o.ReinitiatedTo, 10)
		}
		return []Row{row}
	}
	return nil
}

// balanceRows emits one row per token: instrument tokens in first-touch
// order, then tokens only present in the issuance tier. Each row carries both
// tier amounts, zero where the tier never saw the token.
func balanceRows(base Row, entries []ledger.Entry) []Row {
	instrument := make(map[string]decimal.Decimal)
	issuance := make(map[string]decimal.Decimal)
	var order []string

	for _, entry := range entries {
		var book map[string]decimal.Decimal
		if entry.Tier == ledger.TierInstrument {
			book = instrument
		} else {
			book = issuance
		}
		_, inInstrument := instrument[entry.Token]
		_, inIssuance := issuance[entry.Token]
		if !inInstrument && !inIssuance {
			order = append(order, entry.Token)
		}
		book[entry.Token] = entry.Amount
	}

	rows := make([]Row, 0, len(order))
	for _, token := range order {
		row := base
		row.InstrumentEscrowToken = token
		row.InstrumentEscrowAmount = instrument[token].String()
		row.IssuanceEscrowToken = token
		row.IssuanceEscrowAmount = issuance[token].String()
		rows = append(rows, row)
	}
	return rows
}

// ViolationRows flattens recorded violations for the side report.
func (e *Emitter) ViolationRows(violations []ledger.Violation) []ViolationRow {
	rows := make([]ViolationRow, 0, len(violations))
	for _, v := range violations {
		row := ViolationRow{
			BlockHeight: v.Position.BlockHeight,
			LogIndex:    v.Position.LogIndex,
			Event:       v.EventKind.String(),
			Kind:        v.Kind.String(),
			Detail:      v.Detail,
		}
		if v.Kind == ledger.ViolationNegativeBalance {
			row.Tier = v.Tier.String()
			row.Address = v.Account
			row.Role = e.roles.Role(v.Account)
			row.Token = v.Token
			row.Balance = v.Balance.String()
		} else {
			row.ID = strconv.FormatUint(v.ItemID, 10)
		}
		rows = append(rows, row)
	}
	return rows
}

// FormatTimestamp renders Unix seconds as ISO-8601 UTC. Zero (unresolved)
// renders empty.
func FormatTimestamp(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(ISOTimestamp)
}
