package storage

import (
	"context"
	"time"

	"github.com/finrecon/recond/internal/models"
)

// Interface defines the contract for trade, break, and run persistence.
//
// Implementations must be safe for concurrent use - the orchestrator writes
// trades from multiple ingestion goroutines while the operator tooling reads.
type Interface interface {
	// Trades
	SaveTrade(ctx context.Context, t *models.Trade) error
	SaveTrades(ctx context.Context, trades []models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	UpdateTradeStatus(ctx context.Context, id string, status models.TradeStatus) error
	// MarkMatched links two trades of opposite sources and moves both to
	// matched atomically. Both updates land or neither does.
	MarkMatched(ctx context.Context, internalID, externalID string) error
	TradesByRun(ctx context.Context, runID string) ([]models.Trade, error)

	// Breaks
	SaveBreak(ctx context.Context, b *models.Break) error
	GetBreak(ctx context.Context, id string) (*models.Break, error)
	UpdateBreak(ctx context.Context, id string, upd BreakUpdate) error
	BreaksByRun(ctx context.Context, runID string) ([]models.Break, error)
	OpenBreaks(ctx context.Context) ([]models.Break, error)
	CountBreaksByStatus(ctx context.Context) (map[models.BreakStatus]int, error)
	CountBreaksBySeverity(ctx context.Context) (map[models.Severity]int, error)
	// AgingBuckets distributes unresolved breaks by age at the given clock.
	AgingBuckets(ctx context.Context, now time.Time) (Aging, error)
	TopCounterpartiesByBreaks(ctx context.Context, n int) ([]CounterpartyBreaks, error)

	// Runs
	CreateRun(ctx context.Context, run *models.ReconciliationRun) error
	UpdateRun(ctx context.Context, id string, upd RunUpdate) error
	GetRun(ctx context.Context, id string) (*models.ReconciliationRun, error)
	// FindActiveRunByDate returns the non-failed, non-superseded run for the
	// trade date, or ErrNotFound.
	FindActiveRunByDate(ctx context.Context, tradeDate time.Time) (*models.ReconciliationRun, error)
	// FindRunsByDateRange returns every run whose trade date falls in
	// [from, to], both bounds inclusive, newest first.
	FindRunsByDateRange(ctx context.Context, from, to time.Time) ([]models.ReconciliationRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error)
}

// BreakUpdate is a partial update. Nil fields are left untouched, so
// concurrent writers only clobber the fields they own.
type BreakUpdate struct {
	Status          *models.BreakStatus
	Severity        *models.Severity
	RootCause       *models.RootCause
	AutoResolvable  *bool
	SLAHours        *int
	PriorityScore   *int
	AssignedTo      *string
	ResolvedAt      *time.Time
	ResolutionNotes *string
}

// RunUpdate is a partial update for run records.
type RunUpdate struct {
	Status             *models.RunStatus
	InternalTrades     *int
	ExternalTrades     *int
	MatchedTrades      *int
	NewBreaks          *int
	AutoResolvedBreaks *int
	Superseded         *bool
	Duration           *time.Duration
	ErrorMessage       *string
	Warnings           []string
}

// Aging is the age distribution of unresolved breaks.
type Aging struct {
	Under24h int `db:"under_24h"`
	Under48h int `db:"under_48h"`
	Over48h  int `db:"over_48h"`
}

// CounterpartyBreaks is one row of the counterparty break leaderboard.
type CounterpartyBreaks struct {
	Counterparty string `db:"counterparty"`
	Breaks       int    `db:"breaks"`
}

// Ensure both backends implement Interface.
var (
	_ Interface = (*MemoryStorage)(nil)
	_ Interface = (*PostgresStorage)(nil)
)
