package match

import (
	"github.com/shopspring/decimal"

	"github.com/finrecon/recond/internal/models"
)

// Raw severity thresholds for mismatches found inside accepted pairs. The
// classifier recomputes severity from monetary impact; these are the
// matcher's first read.
var (
	priceHighPct = decimal.NewFromFloat(0.05)
	qtyHighPct   = decimal.NewFromFloat(0.01)
)

// InspectPair re-inspects an accepted pair for per-field discrepancies.
// These breaks are emitted inside matched pairs only: the validation gates
// already accepted the pair as the same economic event, so the breaks here
// record the residual field drift for the classifier and auto-resolver.
func (e *Engine) InspectPair(m Match) []models.Break {
	it, xt := &m.Internal, &m.External
	var out []models.Break

	newBreak := func(kind models.BreakType, severity models.Severity, expected, actual string) models.Break {
		return models.Break{
			Type:           kind,
			Severity:       severity,
			TradeID:        TradeRef(it),
			MatchedTradeID: ptr(TradeRef(xt)),
			ExpectedValue:  expected,
			ActualValue:    actual,
			Status:         models.BreakOpen,
			CreatedAt:      e.now(),
		}
	}

	// Any price difference inside an accepted pair is a break. Differences
	// within tolerance grade low and typically auto-resolve as rounding;
	// beyond tolerance they grade up.
	if !it.Price.Equal(xt.Price) && !it.Price.IsZero() {
		diffPct := xt.Price.Sub(it.Price).Abs().Div(it.Price.Abs())
		severity := models.SeverityLow
		switch {
		case diffPct.Cmp(priceHighPct) > 0:
			severity = models.SeverityHigh
		case diffPct.Cmp(e.priceTolPct) > 0:
			severity = models.SeverityMedium
		}
		b := newBreak(models.BreakPriceMismatch, severity, it.Price.String(), xt.Price.String())
		b.Difference = decimal.NewNullDecimal(xt.Price.Sub(it.Price))
		out = append(out, b)
	}

	if !it.Quantity.Equal(xt.Quantity) && !it.Quantity.IsZero() {
		diffPct := xt.Quantity.Sub(it.Quantity).Abs().Div(it.Quantity.Abs())
		severity := models.SeverityLow
		switch {
		case diffPct.Cmp(qtyHighPct) > 0:
			severity = models.SeverityHigh
		case diffPct.Cmp(e.qtyTolPct) > 0:
			severity = models.SeverityMedium
		}
		b := newBreak(models.BreakQuantityMismatch, severity, it.Quantity.String(), xt.Quantity.String())
		b.Difference = decimal.NewNullDecimal(xt.Quantity.Sub(it.Quantity))
		out = append(out, b)
	}

	// Settlement dates compare as calendar dates.
	iSettle := it.SettlementDate.Format("2006-01-02")
	xSettle := xt.SettlementDate.Format("2006-01-02")
	if iSettle != xSettle {
		out = append(out, newBreak(models.BreakSettlementDateMismatch, models.SeverityLow, iSettle, xSettle))
	}

	if CounterpartySimilarity(it.Counterparty, xt.Counterparty) < 1.0 {
		out = append(out, newBreak(models.BreakCounterpartyMismatch, models.SeverityHigh, it.Counterparty, xt.Counterparty))
	}

	if it.Account != "" && xt.Account != "" && it.Account != xt.Account {
		out = append(out, newBreak(models.BreakAccountMismatch, models.SeverityHigh, it.Account, xt.Account))
	}

	if it.Currency != xt.Currency {
		out = append(out, newBreak(models.BreakCurrencyMismatch, models.SeverityHigh, it.Currency, xt.Currency))
	}

	return out
}

func ptr(s string) *string { return &s }
