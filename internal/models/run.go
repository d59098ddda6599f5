package models

import "time"

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun records one execution of the pipeline for a trade date,
// with progress counters an operator can watch while the run is in flight.
// At most one non-failed run may exist per trade date unless a forced rerun
// supersedes it.
type ReconciliationRun struct {
	ID        string    `json:"id" db:"id"`
	TradeDate time.Time `json:"trade_date" db:"trade_date"`
	StartedAt time.Time `json:"started_at" db:"started_at"`

	InternalTrades     int `json:"total_internal_trades" db:"total_internal_trades"`
	ExternalTrades     int `json:"total_external_trades" db:"total_external_trades"`
	MatchedTrades      int `json:"matched_trades" db:"matched_trades"`
	NewBreaks          int `json:"new_breaks" db:"new_breaks"`
	AutoResolvedBreaks int `json:"auto_resolved_breaks" db:"auto_resolved_breaks"`

	Status RunStatus `json:"status" db:"status"`
	// Superseded marks a run replaced by a forced rerun for the same date.
	// Superseded runs remain queryable.
	Superseded   bool          `json:"superseded" db:"superseded"`
	Duration     time.Duration `json:"duration" db:"duration"`
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`
	// Warnings accumulates per-row parse warnings and per-feed failures that
	// did not abort the run.
	Warnings []string `json:"warnings,omitempty" db:"-"`
}

// Active reports whether the run blocks another run for the same trade date.
func (r *ReconciliationRun) Active() bool {
	return r.Status != RunFailed && !r.Superseded
}
