package feeds

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// CSVFeed reads a delimited broker file. Each file is scoped to a single
// trading day by convention; rows are emitted in file order so output is
// byte-stable for identical input.
type CSVFeed struct {
	source models.Source
	path   string
	// columnMapping renames source headers to canonical field names, e.g.
	// {"TradeID": "trade_id", "Symbol": "instrument_id"}.
	columnMapping map[string]string
	logger        *logrus.Logger
}

// NewCSVFeed creates a delimited-text feed adapter for the given source.
func NewCSVFeed(source models.Source, path string, columnMapping map[string]string, logger *logrus.Logger) *CSVFeed {
	return &CSVFeed{source: source, path: path, columnMapping: columnMapping, logger: logger}
}

// Source implements Feed.
func (f *CSVFeed) Source() models.Source { return f.source }

// Fetch implements Feed. Per-row parse failures are accumulated as warnings
// and never abort the feed.
func (f *CSVFeed) Fetch(ctx context.Context, _ time.Time) ([]models.Trade, []ParseWarning, error) {
	file, err := os.Open(f.path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, nil, &IOError{Source: f.source, Err: err}
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, &IOError{Source: f.source, Err: fmt.Errorf("reading header: %w", err)}
	}
	fields := make([]string, len(header))
	for i, h := range header {
		if mapped, ok := f.columnMapping[h]; ok {
			fields[i] = mapped
		} else {
			fields[i] = h
		}
	}

	var trades []models.Trade
	var warnings []ParseWarning
	ingestedAt := time.Now().UTC()

	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, &IOError{Source: f.source, Err: err}
		}

		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, ParseWarning{
				Source: f.source, Line: line, Reason: err.Error(),
			})
			continue
		}

		raw := make(map[string]string, len(fields))
		for i, v := range record {
			if i < len(fields) {
				raw[fields[i]] = v
			}
		}

		trade, rowWarnings, err := Normalize(raw, f.source, ingestedAt)
		for i := range rowWarnings {
			rowWarnings[i].Line = line
		}
		warnings = append(warnings, rowWarnings...)
		if err != nil {
			warnings = append(warnings, ParseWarning{
				Source: f.source, Line: line, Record: raw["trade_id"], Reason: err.Error(),
			})
			f.logger.WithFields(logrus.Fields{
				"source": f.source, "line": line,
			}).Warnf("dropping row: %v", err)
			continue
		}
		trades = append(trades, trade)
	}

	return trades, warnings, nil
}
