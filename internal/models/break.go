package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreakType enumerates the discrepancy kinds the matcher can emit.
type BreakType string

const (
	// BreakMissingExternal means an internal trade found no acceptable
	// external counterpart.
	BreakMissingExternal BreakType = "MISSING_EXTERNAL_TRADE"
	// BreakMissingInternal means an external trade was never claimed by an
	// internal one.
	BreakMissingInternal        BreakType = "MISSING_INTERNAL_TRADE"
	BreakPriceMismatch          BreakType = "PRICE_MISMATCH"
	BreakQuantityMismatch       BreakType = "QUANTITY_MISMATCH"
	BreakSettlementDateMismatch BreakType = "SETTLEMENT_DATE_MISMATCH"
	BreakCounterpartyMismatch   BreakType = "COUNTERPARTY_MISMATCH"
	BreakAccountMismatch        BreakType = "ACCOUNT_MISMATCH"
	BreakCurrencyMismatch       BreakType = "CURRENCY_MISMATCH"
)

// IsMissing reports whether the break is a missing-side break, i.e. it
// references exactly one trade.
func (t BreakType) IsMissing() bool {
	return t == BreakMissingExternal || t == BreakMissingInternal
}

// Severity is the classifier-assigned urgency of a break.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering of severities, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// BreakStatus is the workflow state of a break.
type BreakStatus string

const (
	BreakOpen            BreakStatus = "open"
	BreakAssigned        BreakStatus = "assigned"
	BreakInProgress      BreakStatus = "in-progress"
	BreakPendingResponse BreakStatus = "pending-response"
	BreakResolved        BreakStatus = "resolved"
	BreakAutoResolved    BreakStatus = "auto-resolved"
	BreakEscalated       BreakStatus = "escalated"
	BreakClosed          BreakStatus = "closed"
)

// Terminal reports whether no further workflow action is expected.
func (s BreakStatus) Terminal() bool {
	return s == BreakResolved || s == BreakAutoResolved || s == BreakClosed
}

// RootCause is the classifier-assigned explanation category.
type RootCause string

const (
	RootCauseLateBooking          RootCause = "late_booking"
	RootCauseBrokerFeedIssue      RootCause = "broker_feed_issue"
	RootCauseInternalBookingError RootCause = "internal_booking_error"
	RootCauseDataEntryError       RootCause = "data_entry_error"
	RootCauseRoundingDifference   RootCause = "rounding_difference"
	RootCausePartialFill          RootCause = "partial_fill"
	RootCauseUnknown              RootCause = "unknown"
)

// Break is a discrepancy involving one or two trades. Missing-side breaks
// reference a single trade; mismatch breaks reference both sides of a
// matched pair.
type Break struct {
	ID    string    `json:"id,omitempty" db:"id"`
	RunID string    `json:"run_id,omitempty" db:"run_id"`
	Type  BreakType `json:"break_type" db:"break_type"`
	// Severity is set by the matcher first and finalized by the classifier.
	Severity Severity `json:"severity" db:"severity"`
	// TradeID references the internal trade for mismatch and
	// missing-external breaks, the external trade for missing-internal.
	TradeID        string  `json:"trade_id" db:"trade_id"`
	MatchedTradeID *string `json:"matched_trade_id,omitempty" db:"matched_trade_id"`
	ExpectedValue  string  `json:"expected_value,omitempty" db:"expected_value"`
	ActualValue    string  `json:"actual_value,omitempty" db:"actual_value"`
	// Difference is actual minus expected where the comparison is numeric.
	Difference decimal.NullDecimal `json:"difference,omitempty" db:"difference"`

	RootCause      RootCause `json:"root_cause_category,omitempty" db:"root_cause_category"`
	AutoResolvable bool      `json:"auto_resolvable" db:"auto_resolvable"`
	SLAHours       int       `json:"sla_hours,omitempty" db:"sla_hours"`
	PriorityScore  int       `json:"priority_score,omitempty" db:"priority_score"`

	Status          BreakStatus `json:"status" db:"status"`
	AssignedTo      string      `json:"assigned_to,omitempty" db:"assigned_to"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNotes string      `json:"resolution_notes,omitempty" db:"resolution_notes"`
}

// AbsDifference returns |difference|, or zero when no numeric difference is
// recorded.
func (b *Break) AbsDifference() decimal.Decimal {
	if !b.Difference.Valid {
		return decimal.Zero
	}
	return b.Difference.Decimal.Abs()
}

// AgeHours returns the break's age in hours at the given instant.
func (b *Break) AgeHours(now time.Time) float64 {
	if b.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(b.CreatedAt).Hours()
}
