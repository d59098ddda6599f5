package feeds

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// DatabaseFeed extracts the firm's own bookings from the trading system
// database. The trade date is always bound as a query parameter; date
// literals are never concatenated into SQL.
type DatabaseFeed struct {
	db     *sqlx.DB
	table  string
	logger *logrus.Logger
}

// NewDatabaseFeed creates the internal query adapter. table defaults to
// "trades" when empty.
func NewDatabaseFeed(db *sqlx.DB, table string, logger *logrus.Logger) *DatabaseFeed {
	if table == "" {
		table = "trades"
	}
	return &DatabaseFeed{db: db, table: table, logger: logger}
}

// Source implements Feed.
func (f *DatabaseFeed) Source() models.Source { return models.SourceInternal }

// internalRow mirrors the trading system's booking schema.
type internalRow struct {
	TradeID        string         `db:"trade_id"`
	TradeDate      time.Time      `db:"trade_date"`
	SettlementDate time.Time      `db:"settlement_date"`
	InstrumentID   string         `db:"instrument_id"`
	InstrumentName sql.NullString `db:"instrument_name"`
	Quantity       string         `db:"quantity"`
	Price          string         `db:"price"`
	Currency       string         `db:"currency"`
	Counterparty   string         `db:"counterparty"`
	Account        sql.NullString `db:"account"`
}

// Fetch implements Feed. A connection or query failure is an IOError, which
// is fatal to the run for the internal side.
func (f *DatabaseFeed) Fetch(ctx context.Context, tradeDate time.Time) ([]models.Trade, []ParseWarning, error) {
	dayStart := tradeDate.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	query := fmt.Sprintf(`
		SELECT trade_id, trade_date, settlement_date, instrument_id,
		       instrument_name, quantity::text AS quantity, price::text AS price,
		       currency, counterparty, account
		FROM %s
		WHERE trade_date >= $1 AND trade_date < $2
		ORDER BY trade_id`, f.table)

	var rows []internalRow
	if err := f.db.SelectContext(ctx, &rows, query, dayStart, dayEnd); err != nil {
		return nil, nil, &IOError{Source: models.SourceInternal, Err: err}
	}

	var trades []models.Trade
	var warnings []ParseWarning
	ingestedAt := time.Now().UTC()

	for i, row := range rows {
		raw := map[string]string{
			"trade_id":        row.TradeID,
			"trade_date":      row.TradeDate.UTC().Format(time.RFC3339Nano),
			"settlement_date": row.SettlementDate.UTC().Format("2006-01-02"),
			"instrument_id":   row.InstrumentID,
			"instrument_name": row.InstrumentName.String,
			"quantity":        row.Quantity,
			"price":           row.Price,
			"currency":        row.Currency,
			"counterparty":    row.Counterparty,
			"account":         row.Account.String,
		}

		trade, rowWarnings, err := Normalize(raw, models.SourceInternal, ingestedAt)
		for j := range rowWarnings {
			rowWarnings[j].Line = i + 1
		}
		warnings = append(warnings, rowWarnings...)
		if err != nil {
			warnings = append(warnings, ParseWarning{
				Source: models.SourceInternal, Line: i + 1, Record: row.TradeID, Reason: err.Error(),
			})
			f.logger.WithField("trade_id", row.TradeID).Warnf("dropping internal booking: %v", err)
			continue
		}
		trades = append(trades, trade)
	}

	return trades, warnings, nil
}
