package feeds

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finrecon/recond/internal/models"
)

// dateFormats is the ordered list of formats the normalizer accepts. The
// first matching format wins, so day-first beats month-first for slash
// dates. Order is part of the adapter contract: changing it changes which
// trades normalize identically.
var dateFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
	"02/01/2006",
	"01/02/2006",
}

// Normalize converts a raw field map from any adapter into a canonical
// trade. It returns warnings for rows that are kept but suspicious (empty
// numeric fields defaulted to zero, settlement before trade date) and an
// error when the row must be dropped: unparseable dates or a hard invariant
// violation.
//
// Normalization is idempotent: normalizing a trade's own RawData yields the
// same trade again.
func Normalize(raw map[string]string, source models.Source, ingestedAt time.Time) (models.Trade, []ParseWarning, error) {
	var warnings []ParseWarning
	warn := func(reason string) {
		warnings = append(warnings, ParseWarning{
			Source: source,
			Record: raw["trade_id"],
			Reason: reason,
		})
	}

	tradeDate, err := ParseDate(raw["trade_date"])
	if err != nil {
		return models.Trade{}, nil, fmt.Errorf("trade_date: %w", err)
	}
	settlementDate, err := ParseDate(raw["settlement_date"])
	if err != nil {
		return models.Trade{}, nil, fmt.Errorf("settlement_date: %w", err)
	}

	quantity, flagged, err := parseDecimal(raw["quantity"])
	if err != nil {
		return models.Trade{}, nil, fmt.Errorf("quantity: %w", err)
	}
	if flagged {
		warn("empty quantity defaulted to 0")
	}
	price, flagged, err := parseDecimal(raw["price"])
	if err != nil {
		return models.Trade{}, nil, fmt.Errorf("price: %w", err)
	}
	if flagged {
		warn("empty price defaulted to 0")
	}

	// Fold side into signed quantity: tag 54=2 (sell) negates a positive
	// quantity reported alongside it.
	if raw["side"] == "2" && quantity.IsPositive() {
		quantity = quantity.Neg()
	}

	currency := strings.ToUpper(strings.TrimSpace(raw["currency"]))
	if currency == "" {
		currency = "USD"
	}

	t := models.Trade{
		TradeID:        strings.TrimSpace(raw["trade_id"]),
		Source:         source,
		TradeDate:      tradeDate.Truncate(time.Millisecond),
		SettlementDate: settlementDate,
		InstrumentID:   strings.TrimSpace(raw["instrument_id"]),
		InstrumentName: strings.TrimSpace(raw["instrument_name"]),
		Quantity:       quantity,
		Price:          price,
		Currency:       currency,
		Counterparty:   strings.TrimSpace(raw["counterparty"]),
		Account:        strings.TrimSpace(raw["account"]),
		Status:         models.TradeUnmatched,
		IngestedAt:     ingestedAt,
		RawData:        copyRaw(raw),
	}

	if err := t.Validate(); err != nil {
		return models.Trade{}, warnings, err
	}
	if t.SettlesBeforeTradeDate() {
		warn(fmt.Sprintf("settlement date %s precedes trade date %s",
			t.SettlementDate.Format("2006-01-02"), t.TradeDate.Format("2006-01-02")))
	}

	return t, warnings, nil
}

// ParseDate tries each accepted format in order and fails only if every
// format fails.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date %q", s)
}

// parseDecimal parses a numeric field. Empty input yields zero with the
// flagged bit set so the caller can record a warning.
func parseDecimal(s string) (d decimal.Decimal, flagged bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true, nil
	}
	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid number %q", s)
	}
	return d, false, nil
}

func copyRaw(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
