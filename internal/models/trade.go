// Package models defines the canonical records shared by every stage of the
// reconciliation pipeline: trades, breaks, and reconciliation runs.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the system that reported a trade.
type Source string

const (
	// SourceInternal is the firm's own trading platform.
	SourceInternal Source = "internal"
	// SourceBrokerA is the first external broker feed.
	SourceBrokerA Source = "broker_a"
	// SourceBrokerB is the second external broker feed.
	SourceBrokerB Source = "broker_b"
	// SourceCustodian is the custodian settlement feed.
	SourceCustodian Source = "custodian"
)

// Valid returns true if the Source is one of the defined constants.
func (s Source) Valid() bool {
	switch s {
	case SourceInternal, SourceBrokerA, SourceBrokerB, SourceCustodian:
		return true
	default:
		return false
	}
}

// IsInternal reports whether the source is the firm's own platform.
func (s Source) IsInternal() bool { return s == SourceInternal }

// TradeStatus is the lifecycle state of a canonical trade. It is assigned by
// the pipeline, never by a feed.
type TradeStatus string

const (
	// TradeUnmatched is the initial state after ingestion.
	TradeUnmatched TradeStatus = "unmatched"
	// TradeMatched means the trade has been paired with one from the other side.
	TradeMatched TradeStatus = "matched"
	// TradeBreak means the trade is referenced by an open break.
	TradeBreak TradeStatus = "break"
	// TradeInvestigating means an operator is working the trade's break.
	TradeInvestigating TradeStatus = "investigating"
	// TradeResolved means all breaks referencing the trade are closed.
	TradeResolved TradeStatus = "resolved"
)

// Valid returns true if the TradeStatus is one of the defined constants.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeUnmatched, TradeMatched, TradeBreak, TradeInvestigating, TradeResolved:
		return true
	default:
		return false
	}
}

// Trade is one economic transaction as observed by one side. Instances are
// produced only by the feed normalizer; after ingestion the record is
// immutable except for Status and MatchedTradeID.
type Trade struct {
	// ID is the storage-assigned identifier, empty until persisted.
	ID string `json:"id,omitempty" db:"id"`
	// RunID ties the trade to the reconciliation run that ingested it.
	RunID string `json:"run_id,omitempty" db:"run_id"`
	// TradeID is the source-assigned identifier. It is not unique across sources.
	TradeID        string          `json:"trade_id" db:"trade_id"`
	Source         Source          `json:"source" db:"source"`
	TradeDate      time.Time       `json:"trade_date" db:"trade_date"`
	SettlementDate time.Time       `json:"settlement_date" db:"settlement_date"`
	InstrumentID   string          `json:"instrument_id" db:"instrument_id"`
	InstrumentName string          `json:"instrument_name,omitempty" db:"instrument_name"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Currency       string          `json:"currency" db:"currency"`
	Counterparty   string          `json:"counterparty" db:"counterparty"`
	Account        string          `json:"account,omitempty" db:"account"`
	Status         TradeStatus     `json:"status" db:"status"`
	// MatchedTradeID is the storage ID of the paired trade from the other
	// side, nil while unmatched.
	MatchedTradeID *string   `json:"matched_trade_id,omitempty" db:"matched_trade_id"`
	IngestedAt     time.Time `json:"ingested_at" db:"ingested_at"`
	// RawData preserves the original feed payload for audit.
	RawData map[string]string `json:"raw_data,omitempty" db:"-"`
}

// ValidationError reports a canonical trade that fails a hard invariant.
// Rows that fail validation are dropped with a warning, never persisted.
type ValidationError struct {
	TradeID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trade %q: invalid %s: %s", e.TradeID, e.Field, e.Reason)
}

// Validate checks the hard invariants: price > 0, quantity != 0, and the
// presence of the identifying fields. Settlement-before-trade is deliberately
// not checked here; it is an ingestion warning, not a rejection.
func (t *Trade) Validate() error {
	if t.TradeID == "" {
		return &ValidationError{TradeID: t.TradeID, Field: "trade_id", Reason: "empty"}
	}
	if !t.Source.Valid() {
		return &ValidationError{TradeID: t.TradeID, Field: "source", Reason: fmt.Sprintf("unknown source %q", t.Source)}
	}
	if t.InstrumentID == "" {
		return &ValidationError{TradeID: t.TradeID, Field: "instrument_id", Reason: "empty"}
	}
	if !t.Price.IsPositive() {
		return &ValidationError{TradeID: t.TradeID, Field: "price", Reason: "must be > 0"}
	}
	if t.Quantity.IsZero() {
		return &ValidationError{TradeID: t.TradeID, Field: "quantity", Reason: "must be non-zero"}
	}
	return nil
}

// SettlesBeforeTradeDate reports the soft invariant violation that emits an
// ingestion warning: settlement date earlier than the trade date.
func (t *Trade) SettlesBeforeTradeDate() bool {
	if t.SettlementDate.IsZero() || t.TradeDate.IsZero() {
		return false
	}
	return t.SettlementDate.Before(t.TradeDate.Truncate(24 * time.Hour))
}

// Notional returns |price * quantity|.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity).Abs()
}
