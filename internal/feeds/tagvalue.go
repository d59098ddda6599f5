package feeds

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// DefaultTagDelimiter separates tag=value pairs in a message.
const DefaultTagDelimiter = "|"

// tagFieldMap translates the fixed set of known tags into canonical field
// names. Unknown tags are retained under a tag_<n> key in RawData.
var tagFieldMap = map[string]string{
	"11":  "trade_id",
	"55":  "instrument_id",
	"54":  "side", // 1=buy, 2=sell; folded into signed quantity
	"38":  "quantity",
	"44":  "price",
	"15":  "currency",
	"75":  "trade_date",
	"64":  "settlement_date",
	"1":   "account",
	"107": "instrument_name",
	"448": "counterparty",
}

// TagValueFeed parses one tag=value protocol message per line, the way
// execution reports arrive from brokers that speak FIX-style wire formats.
type TagValueFeed struct {
	source    models.Source
	path      string
	delimiter string
	logger    *logrus.Logger
}

// NewTagValueFeed creates a tag=value feed adapter. An empty delimiter
// selects the pipe default.
func NewTagValueFeed(source models.Source, path, delimiter string, logger *logrus.Logger) *TagValueFeed {
	if delimiter == "" {
		delimiter = DefaultTagDelimiter
	}
	return &TagValueFeed{source: source, path: path, delimiter: delimiter, logger: logger}
}

// Source implements Feed.
func (f *TagValueFeed) Source() models.Source { return f.source }

// Fetch implements Feed. Malformed messages are accumulated as warnings and
// never abort the feed.
func (f *TagValueFeed) Fetch(ctx context.Context, _ time.Time) ([]models.Trade, []ParseWarning, error) {
	file, err := os.Open(f.path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, nil, &IOError{Source: f.source, Err: err}
	}
	defer file.Close()

	var trades []models.Trade
	var warnings []ParseWarning
	ingestedAt := time.Now().UTC()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, &IOError{Source: f.source, Err: err}
		}

		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}

		raw := f.parseMessage(msg)
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
			}).Warnf("dropping message: %v", err)
			continue
		}
		trades = append(trades, trade)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, &IOError{Source: f.source, Err: err}
	}

	return trades, warnings, nil
}

// parseMessage splits a delimited message into canonical fields. Pairs
// without an equals sign are ignored.
func (f *TagValueFeed) parseMessage(msg string) map[string]string {
	raw := make(map[string]string)
	for _, field := range strings.Split(msg, f.delimiter) {
		tag, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if name, known := tagFieldMap[tag]; known {
			raw[name] = value
		} else {
			raw["tag_"+tag] = value
		}
	}
	return raw
}
