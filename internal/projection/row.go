package projection

import (
	"strconv"
)

// Columns is the reference report header, in column order.
var Columns = []string{
	"Block Height",
	"timestamp",
	"Address",
	"Role",
	"Wallet",
	"Action",
	"Instrument Escrow Token",
	"Instrument Escrow Amount",
	"Issuance Escrow Token",
	"Issuance Escrow Amount",
	"ID",
	"Type",
	"Token",
	"Amount",
	"Counterpart",
	"Counterpart Address",
	"Due Timestamp",
	"State",
	"Reinitiated To",
}

// Row is one flat report line. Balance rows fill the escrow columns,
// obligation rows fill the item columns; unused columns stay empty.
type Row struct {
	BlockHeight uint64 `json:"block_height"`
	LogIndex    uint64 `json:"log_index"`
	Timestamp   string `json:"timestamp"`
	Address     string `json:"address"`
	Role        string `json:"role"`
	Wallet      string `json:"wallet"`
	Action      string `json:"action"`

	InstrumentEscrowToken  string `json:"instrument_escrow_token,omitempty"`
	InstrumentEscrowAmount string `json:"instrument_escrow_amount,omitempty"`
	IssuanceEscrowToken    string `json:"issuance_escrow_token,omitempty"`
	IssuanceEscrowAmount   string `json:"issuance_escrow_amount,omitempty"`

	ID                 string `json:"id,omitempty"`
	Type               string `json:"type,omitempty"`
	Token              string `json:"token,omitempty"`
	Amount             string `json:"amount,omitempty"`
	Counterpart        string `json:"counterpart,omitempty"`
	CounterpartAddress string `json:"counterpart_address,omitempty"`
	DueTimestamp       string `json:"due_timestamp,omitempty"`
	State              string `json:"state,omitempty"`
	ReinitiatedTo      string `json:"reinitiated_to,omitempty"`
}

// Values returns the row in Columns order.
func (r Row) Values() []string {
	return []string{
		strconv.FormatUint(r.BlockHeight, 10),
		r.Timestamp,
		r.Address,
		r.Role,
		r.Wallet,
		r.Action,
		r.InstrumentEscrowToken,
		r.InstrumentEscrowAmount,
		r.IssuanceEscrowToken,
		r.IssuanceEscrowAmount,
		r.ID,
		r.Type,
		r.Token,
		r.Amount,
		r.Counterpart,
		r.CounterpartAddress,
		r.DueTimestamp,
		r.State,
		r.ReinitiatedTo,
	}
}

// ViolationColumns is the header of the violation side report.
var ViolationColumns = []string{
	"Block Height",
	"Log Index",
	"Event",
	"Violation",
	"Tier",
	"Address",
	"Role",
	"Token",
	"Balance",
	"ID",
	"Detail",
}

// ViolationRow is one recorded invariant violation, flattened for review.
type ViolationRow struct {
	BlockHeight uint64 `json:"block_height"`
	LogIndex    uint64 `json:"log_index"`
	Event       string `json:"event"`
	Kind        string `json:"kind"`
	Tier        string `json:"tier,omitempty"`
	Address     string `json:"address,omitempty"`
	Role        string `json:"role,omitempty"`
	Token       string `json:"token,omitempty"`
	Balance     string `json:"balance,omitempty"`
	ID          string `json:"id,omitempty"`
	Detail      string `json:"detail"`
}

// Values returns the row in ViolationColumns order.
func (v ViolationRow) Values() []string {
	return []string{
		strconv.FormatUint(v.BlockHeight, 10),
		strconv.FormatUint(v.LogIndex, 10),
		v.Event,
		v.Kind,
		v.Tier,
		v.Address,
		v.Role,
		v.Token,
		v.Balance,
		v.ID,
		v.Detail,
	}
}
