package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/finrecon/recond/internal/models"
)

// Schema is the reference DDL for the Postgres backend. Applied out of band
// by the deployment, kept here so the column list and the struct tags live
// next to each other.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
    id               TEXT PRIMARY KEY,
    run_id           TEXT NOT NULL,
    trade_id         TEXT NOT NULL,
    source           TEXT NOT NULL,
    trade_date       TIMESTAMPTZ NOT NULL,
    settlement_date  TIMESTAMPTZ,
    instrument_id    TEXT NOT NULL,
    instrument_name  TEXT NOT NULL DEFAULT '',
    quantity         NUMERIC NOT NULL,
    price            NUMERIC NOT NULL,
    currency         TEXT NOT NULL DEFAULT 'USD',
    counterparty     TEXT NOT NULL DEFAULT '',
    account          TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'unmatched',
    matched_trade_id TEXT,
    ingested_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades (run_id);
CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades (instrument_id, trade_date);

CREATE TABLE IF NOT EXISTS breaks (
    id                  TEXT PRIMARY KEY,
    run_id              TEXT NOT NULL,
    break_type          TEXT NOT NULL,
    severity            TEXT NOT NULL,
    trade_id            TEXT NOT NULL,
    matched_trade_id    TEXT,
    expected_value      TEXT NOT NULL DEFAULT '',
    actual_value        TEXT NOT NULL DEFAULT '',
    difference          NUMERIC,
    root_cause_category TEXT NOT NULL DEFAULT '',
    auto_resolvable     BOOLEAN NOT NULL DEFAULT FALSE,
    sla_hours           INTEGER NOT NULL DEFAULT 0,
    priority_score      INTEGER NOT NULL DEFAULT 0,
    status              TEXT NOT NULL DEFAULT 'open',
    assigned_to         TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    resolved_at         TIMESTAMPTZ,
    resolution_notes    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_breaks_run ON breaks (run_id);
CREATE INDEX IF NOT EXISTS idx_breaks_status ON breaks (status);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
    id                    TEXT PRIMARY KEY,
    trade_date            TIMESTAMPTZ NOT NULL,
    started_at            TIMESTAMPTZ NOT NULL,
    total_internal_trades INTEGER NOT NULL DEFAULT 0,
    total_external_trades INTEGER NOT NULL DEFAULT 0,
    matched_trades        INTEGER NOT NULL DEFAULT 0,
    new_breaks            INTEGER NOT NULL DEFAULT 0,
    auto_resolved_breaks  INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL DEFAULT 'running',
    superseded            BOOLEAN NOT NULL DEFAULT FALSE,
    duration              BIGINT NOT NULL DEFAULT 0,
    error_message         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_date ON reconciliation_runs (trade_date);
`

// PostgresStorage is the production backend, built on sqlx over lib/pq.
type PostgresStorage struct {
	db *sqlx.DB
}

// NewPostgresStorage opens and pings a Postgres connection.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStorage{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// EnsureSchema applies the reference DDL. Intended for tests and first boot.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return &PersistenceError{Op: "ensure schema", Err: err}
	}
	return nil
}

const tradeInsert = `
INSERT INTO trades (
    id, run_id, trade_id, source, trade_date, settlement_date,
    instrument_id, instrument_name, quantity, price, currency,
    counterparty, account, status, matched_trade_id, ingested_at
) VALUES (
    :id, :run_id, :trade_id, :source, :trade_date, :settlement_date,
    :instrument_id, :instrument_name, :quantity, :price, :currency,
    :counterparty, :account, :status, :matched_trade_id, :ingested_at
)`

func (s *PostgresStorage) SaveTrade(ctx context.Context, t *models.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, err := s.db.NamedExecContext(ctx, tradeInsert, t); err != nil {
		return &PersistenceError{Op: "save trade", Err: err}
	}
	return nil
}

// SaveTrades inserts a batch inside one transaction.
func (s *PostgresStorage) SaveTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save trades", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range trades {
		if trades[i].ID == "" {
			trades[i].ID = uuid.NewString()
		}
		if _, err := tx.NamedExecContext(ctx, tradeInsert, &trades[i]); err != nil {
			return &PersistenceError{Op: "save trades", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save trades", Err: err}
	}
	return nil
}

func (s *PostgresStorage) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	var t models.Trade
	err := s.db.GetContext(ctx, &t, `SELECT * FROM trades WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get trade", Err: err}
	}
	return &t, nil
}

func (s *PostgresStorage) UpdateTradeStatus(ctx context.Context, id string, status models.TradeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trades SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return &PersistenceError{Op: "update trade status", Err: err}
	}
	return requireRow(res, "update trade status")
}

// MarkMatched cross-references both trades inside one transaction.
func (s *PostgresStorage) MarkMatched(ctx context.Context, internalID, externalID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "mark matched", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var sources []string
	err = tx.SelectContext(ctx, &sources,
		`SELECT source FROM trades WHERE id IN ($1, $2)`, internalID, externalID)
	if err != nil {
		return &PersistenceError{Op: "mark matched", Err: err}
	}
	if len(sources) != 2 {
		return fmt.Errorf("mark matched: %w", ErrNotFound)
	}
	if sources[0] == sources[1] {
		return fmt.Errorf("cannot match two %s trades", sources[0])
	}

	const upd = `UPDATE trades SET status = $1, matched_trade_id = $2 WHERE id = $3`
	if _, err := tx.ExecContext(ctx, upd, models.TradeMatched, externalID, internalID); err != nil {
		return &PersistenceError{Op: "mark matched", Err: err}
	}
	if _, err := tx.ExecContext(ctx, upd, models.TradeMatched, internalID, externalID); err != nil {
		return &PersistenceError{Op: "mark matched", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "mark matched", Err: err}
	}
	return nil
}

func (s *PostgresStorage) TradesByRun(ctx context.Context, runID string) ([]models.Trade, error) {
	var out []models.Trade
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM trades WHERE run_id = $1 ORDER BY ingested_at, trade_id`, runID)
	if err != nil {
		return nil, &PersistenceError{Op: "trades by run", Err: err}
	}
	return out, nil
}

const breakInsert = `
INSERT INTO breaks (
    id, run_id, break_type, severity, trade_id, matched_trade_id,
    expected_value, actual_value, difference, root_cause_category,
    auto_resolvable, sla_hours, priority_score, status, assigned_to,
    created_at, resolved_at, resolution_notes
) VALUES (
    :id, :run_id, :break_type, :severity, :trade_id, :matched_trade_id,
    :expected_value, :actual_value, :difference, :root_cause_category,
    :auto_resolvable, :sla_hours, :priority_score, :status, :assigned_to,
    :created_at, :resolved_at, :resolution_notes
)`

func (s *PostgresStorage) SaveBreak(ctx context.Context, b *models.Break) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, err := s.db.NamedExecContext(ctx, breakInsert, b); err != nil {
		return &PersistenceError{Op: "save break", Err: err}
	}
	return nil
}

func (s *PostgresStorage) GetBreak(ctx context.Context, id string) (*models.Break, error) {
	var b models.Break
	err := s.db.GetContext(ctx, &b, `SELECT * FROM breaks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get break", Err: err}
	}
	return &b, nil
}

// UpdateBreak builds the SET list from the non-nil fields only.
func (s *PostgresStorage) UpdateBreak(ctx context.Context, id string, upd BreakUpdate) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Severity != nil {
		add("severity", *upd.Severity)
	}
	if upd.RootCause != nil {
		add("root_cause_category", *upd.RootCause)
	}
	if upd.AutoResolvable != nil {
		add("auto_resolvable", *upd.AutoResolvable)
	}
	if upd.SLAHours != nil {
		add("sla_hours", *upd.SLAHours)
	}
	if upd.PriorityScore != nil {
		add("priority_score", *upd.PriorityScore)
	}
	if upd.AssignedTo != nil {
		add("assigned_to", *upd.AssignedTo)
	}
	if upd.ResolvedAt != nil {
		add("resolved_at", *upd.ResolvedAt)
	}
	if upd.ResolutionNotes != nil {
		add("resolution_notes", *upd.ResolutionNotes)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE breaks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "update break", Err: err}
	}
	return requireRow(res, "update break")
}

func (s *PostgresStorage) BreaksByRun(ctx context.Context, runID string) ([]models.Break, error) {
	var out []models.Break
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM breaks WHERE run_id = $1 ORDER BY priority_score DESC, id`, runID)
	if err != nil {
		return nil, &PersistenceError{Op: "breaks by run", Err: err}
	}
	return out, nil
}

func (s *PostgresStorage) OpenBreaks(ctx context.Context) ([]models.Break, error) {
	var out []models.Break
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM breaks
		 WHERE status NOT IN ('resolved', 'auto-resolved', 'closed')
		 ORDER BY priority_score DESC, id`)
	if err != nil {
		return nil, &PersistenceError{Op: "open breaks", Err: err}
	}
	return out, nil
}

func (s *PostgresStorage) CountBreaksByStatus(ctx context.Context) (map[models.BreakStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM breaks GROUP BY status`)
	if err != nil {
		return nil, &PersistenceError{Op: "count breaks by status", Err: err}
	}
	defer rows.Close()

	out := make(map[models.BreakStatus]int)
	for rows.Next() {
		var status models.BreakStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, &PersistenceError{Op: "count breaks by status", Err: err}
		}
		out[status] = count
	}
	return out, rows.Err()
}

func (s *PostgresStorage) CountBreaksBySeverity(ctx context.Context) (map[models.Severity]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT severity, COUNT(*) FROM breaks GROUP BY severity`)
	if err != nil {
		return nil, &PersistenceError{Op: "count breaks by severity", Err: err}
	}
	defer rows.Close()

	out := make(map[models.Severity]int)
	for rows.Next() {
		var severity models.Severity
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, &PersistenceError{Op: "count breaks by severity", Err: err}
		}
		out[severity] = count
	}
	return out, rows.Err()
}

func (s *PostgresStorage) AgingBuckets(ctx context.Context, now time.Time) (Aging, error) {
	var out Aging
	err := s.db.GetContext(ctx, &out, `
		SELECT
		    COUNT(*) FILTER (WHERE $1 - created_at < INTERVAL '24 hours') AS under_24h,
		    COUNT(*) FILTER (WHERE $1 - created_at >= INTERVAL '24 hours'
		                       AND $1 - created_at < INTERVAL '48 hours') AS under_48h,
		    COUNT(*) FILTER (WHERE $1 - created_at >= INTERVAL '48 hours') AS over_48h
		FROM breaks
		WHERE status NOT IN ('resolved', 'auto-resolved', 'closed')`, now)
	if err != nil {
		return Aging{}, &PersistenceError{Op: "aging buckets", Err: err}
	}
	return out, nil
}

func (s *PostgresStorage) TopCounterpartiesByBreaks(ctx context.Context, n int) ([]CounterpartyBreaks, error) {
	var out []CounterpartyBreaks
	err := s.db.SelectContext(ctx, &out, `
		SELECT t.counterparty AS counterparty, COUNT(*) AS breaks
		FROM breaks b
		JOIN trades t ON t.id = b.trade_id OR t.trade_id = b.trade_id
		WHERE t.counterparty <> ''
		GROUP BY t.counterparty
		ORDER BY breaks DESC, counterparty
		LIMIT $1`, n)
	if err != nil {
		return nil, &PersistenceError{Op: "top counterparties", Err: err}
	}
	return out, nil
}

func (s *PostgresStorage) CreateRun(ctx context.Context, run *models.ReconciliationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (
		    id, trade_date, started_at, total_internal_trades,
		    total_external_trades, matched_trades, new_breaks,
		    auto_resolved_breaks, status, superseded, duration, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.TradeDate, run.StartedAt, run.InternalTrades,
		run.ExternalTrades, run.MatchedTrades, run.NewBreaks,
		run.AutoResolvedBreaks, run.Status, run.Superseded,
		int64(run.Duration), run.ErrorMessage)
	if err != nil {
		return &PersistenceError{Op: "create run", Err: err}
	}
	return nil
}

func (s *PostgresStorage) UpdateRun(ctx context.Context, id string, upd RunUpdate) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.InternalTrades != nil {
		add("total_internal_trades", *upd.InternalTrades)
	}
	if upd.ExternalTrades != nil {
		add("total_external_trades", *upd.ExternalTrades)
	}
	if upd.MatchedTrades != nil {
		add("matched_trades", *upd.MatchedTrades)
	}
	if upd.NewBreaks != nil {
		add("new_breaks", *upd.NewBreaks)
	}
	if upd.AutoResolvedBreaks != nil {
		add("auto_resolved_breaks", *upd.AutoResolvedBreaks)
	}
	if upd.Superseded != nil {
		add("superseded", *upd.Superseded)
	}
	if upd.Duration != nil {
		add("duration", int64(*upd.Duration))
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE reconciliation_runs SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "update run", Err: err}
	}
	return requireRow(res, "update run")
}

// runRow mirrors the runs table. Duration is stored as nanoseconds and
// warnings are not persisted.
type runRow struct {
	ID             string    `db:"id"`
	TradeDate      time.Time `db:"trade_date"`
	StartedAt      time.Time `db:"started_at"`
	InternalTrades int       `db:"total_internal_trades"`
	ExternalTrades int       `db:"total_external_trades"`
	MatchedTrades  int       `db:"matched_trades"`
	NewBreaks      int       `db:"new_breaks"`
	AutoResolved   int       `db:"auto_resolved_breaks"`
	Status         string    `db:"status"`
	Superseded     bool      `db:"superseded"`
	Duration       int64     `db:"duration"`
	ErrorMessage   string    `db:"error_message"`
}

func (r runRow) toModel() models.ReconciliationRun {
	return models.ReconciliationRun{
		ID:                 r.ID,
		TradeDate:          r.TradeDate,
		StartedAt:          r.StartedAt,
		InternalTrades:     r.InternalTrades,
		ExternalTrades:     r.ExternalTrades,
		MatchedTrades:      r.MatchedTrades,
		NewBreaks:          r.NewBreaks,
		AutoResolvedBreaks: r.AutoResolved,
		Status:             models.RunStatus(r.Status),
		Superseded:         r.Superseded,
		Duration:           time.Duration(r.Duration),
		ErrorMessage:       r.ErrorMessage,
	}
}

func (s *PostgresStorage) GetRun(ctx context.Context, id string) (*models.ReconciliationRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM reconciliation_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get run", Err: err}
	}
	run := row.toModel()
	return &run, nil
}

func (s *PostgresStorage) FindActiveRunByDate(ctx context.Context, tradeDate time.Time) (*models.ReconciliationRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM reconciliation_runs
		WHERE trade_date::date = $1::date
		  AND status <> 'failed' AND NOT superseded
		ORDER BY started_at DESC
		LIMIT 1`, tradeDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "find run by date", Err: err}
	}
	run := row.toModel()
	return &run, nil
}

func (s *PostgresStorage) FindRunsByDateRange(ctx context.Context, from, to time.Time) ([]models.ReconciliationRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM reconciliation_runs
		WHERE trade_date::date BETWEEN $1::date AND $2::date
		ORDER BY started_at DESC`, from, to)
	if err != nil {
		return nil, &PersistenceError{Op: "find runs by date range", Err: err}
	}
	out := make([]models.ReconciliationRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list runs", Err: err}
	}
	out := make([]models.ReconciliationRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
