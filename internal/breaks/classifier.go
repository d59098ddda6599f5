package breaks

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/finrecon/recond/internal/models"
)

// Monetary impact buckets in account currency units.
var (
	impactCritical = decimal.NewFromInt(100_000)
	impactHigh     = decimal.NewFromInt(10_000)
	impactMedium   = decimal.NewFromInt(1_000)

	notionalLarge = decimal.NewFromInt(1_000_000)
	notionalBig   = decimal.NewFromInt(100_000)

	dataEntryPct = decimal.NewFromFloat(0.1)
	pennyTol     = decimal.NewFromFloat(0.01)
)

// lateBookingHour is the local-time cutoff after which a missing external
// trade is attributed to late booking rather than a broker feed problem.
const lateBookingHour = 16

// Classifier enriches raw breaks with severity, root cause, the
// auto-resolvable flag, SLA hours, and a priority score.
type Classifier struct {
	// loc is the timezone the late-booking cutoff is evaluated in.
	loc *time.Location
	now func() time.Time
}

// NewClassifier creates a classifier. A nil location defaults to UTC.
func NewClassifier(loc *time.Location) *Classifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Classifier{loc: loc, now: func() time.Time { return time.Now().UTC() }}
}

// Classify enriches the break in place.
func (c *Classifier) Classify(item Item) {
	b, trade := item.Break, item.Trade
	now := c.now()

	b.Severity = c.severity(b, trade)
	b.RootCause = c.rootCause(b, trade)
	b.AutoResolvable = c.autoResolvable(b)
	b.SLAHours = slaHours(b.Severity)
	b.PriorityScore = c.priorityScore(b, trade, now)
}

// severity buckets mismatches by monetary impact and fixes missing-side and
// currency breaks at critical.
func (c *Classifier) severity(b *models.Break, trade *models.Trade) models.Severity {
	if b.Type.IsMissing() {
		return models.SeverityCritical
	}
	if b.Type == models.BreakCurrencyMismatch {
		return models.SeverityCritical
	}

	if b.Difference.Valid && trade != nil &&
		(b.Type == models.BreakPriceMismatch || b.Type == models.BreakQuantityMismatch) {
		// Impact is the difference priced by the counterpart dimension:
		// price deltas scale by quantity, quantity deltas by price.
		impact := b.AbsDifference().Mul(trade.Quantity.Abs())
		if b.Type == models.BreakQuantityMismatch {
			impact = b.AbsDifference().Mul(trade.Price.Abs())
		}
		switch {
		case impact.Cmp(impactCritical) > 0:
			return models.SeverityCritical
		case impact.Cmp(impactHigh) > 0:
			return models.SeverityHigh
		case impact.Cmp(impactMedium) > 0:
			return models.SeverityMedium
		default:
			return models.SeverityLow
		}
	}

	switch b.Type {
	case models.BreakSettlementDateMismatch:
		return models.SeverityMedium
	case models.BreakCounterpartyMismatch, models.BreakAccountMismatch:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func (c *Classifier) rootCause(b *models.Break, trade *models.Trade) models.RootCause {
	switch b.Type {
	case models.BreakMissingExternal:
		if trade != nil && trade.TradeDate.In(c.loc).Hour() >= lateBookingHour {
			return models.RootCauseLateBooking
		}
		return models.RootCauseBrokerFeedIssue

	case models.BreakMissingInternal:
		return models.RootCauseInternalBookingError

	case models.BreakPriceMismatch:
		expected, err := decimal.NewFromString(b.ExpectedValue)
		if err == nil && !expected.IsZero() {
			if b.AbsDifference().Div(expected.Abs()).Cmp(dataEntryPct) > 0 {
				return models.RootCauseDataEntryError
			}
		}
		return models.RootCauseRoundingDifference

	case models.BreakQuantityMismatch:
		return models.RootCausePartialFill

	default:
		return models.RootCauseUnknown
	}
}

// autoResolvable gates the auto-resolver. Counterparty mismatches are always
// candidates, since only the resolver's alias table can tell a rename from a
// real discrepancy. Everything else must be low or medium and carry a
// settlement drift within T+1, a rounding difference, or a sub-penny
// difference.
func (c *Classifier) autoResolvable(b *models.Break) bool {
	if b.Type == models.BreakCounterpartyMismatch {
		return true
	}
	if b.Severity != models.SeverityLow && b.Severity != models.SeverityMedium {
		return false
	}
	if b.Type == models.BreakSettlementDateMismatch && settlementWithinDays(b, 1) {
		return true
	}
	if b.RootCause == models.RootCauseRoundingDifference {
		return true
	}
	return b.Difference.Valid && b.AbsDifference().Cmp(pennyTol) < 0
}

// settlementWithinDays reports whether the two settlement dates on the break
// are at most days calendar days apart.
func settlementWithinDays(b *models.Break, days int) bool {
	expected, err1 := time.Parse("2006-01-02", b.ExpectedValue)
	actual, err2 := time.Parse("2006-01-02", b.ActualValue)
	if err1 != nil || err2 != nil {
		return false
	}
	delta := actual.Sub(expected)
	if delta < 0 {
		delta = -delta
	}
	return delta <= time.Duration(days)*24*time.Hour
}

func slaHours(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityHigh:
		return 4
	case models.SeverityMedium:
		return 24
	case models.SeverityLow:
		return 48
	default:
		return 24
	}
}

// priorityScore orders the resolution queue: severity base, plus age, plus a
// bump for large notionals.
func (c *Classifier) priorityScore(b *models.Break, trade *models.Trade, now time.Time) int {
	var score int
	switch b.Severity {
	case models.SeverityCritical:
		score = 1000
	case models.SeverityHigh:
		score = 500
	case models.SeverityMedium:
		score = 100
	case models.SeverityLow:
		score = 10
	default:
		score = 100
	}

	score += int(b.AgeHours(now) * 10)

	if trade != nil {
		notional := trade.Notional()
		if notional.Cmp(notionalLarge) > 0 {
			score += 200
		} else if notional.Cmp(notionalBig) > 0 {
			score += 100
		}
	}

	return score
}
