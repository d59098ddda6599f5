// Package match implements the trade matching engine: candidate generation
// over lookup indices, scored matching with tolerance validation, and greedy
// deterministic pairing.
package match

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/finrecon/recond/internal/models"
	"github.com/finrecon/recond/internal/util"
)

// Match methods reported on a pair.
const (
	MethodAlgorithmic = "algorithmic"
	MethodModel       = "model"
)

// Component weights for the similarity score. The score is the weighted
// average of the five raw components, so a perfect pair scores exactly 1.0
// and MinMatchScore is meaningful as a fraction of perfect.
const (
	weightInstrument   = 1.0
	weightCounterparty = 0.8
	weightPrice        = 0.9
	weightQuantity     = 0.9
	weightTime         = 0.6

	weightTotal = weightInstrument + weightCounterparty + weightPrice + weightQuantity + weightTime
)

// Config holds the matching tolerances.
type Config struct {
	PriceTolerancePct float64
	PriceToleranceAbs float64
	QuantityTolPct    float64
	TimeWindowHours   float64
	MinMatchScore     float64
	MLMinConfidence   float64
}

// DefaultConfig mirrors the documented defaults.
var DefaultConfig = Config{
	PriceTolerancePct: 0.01,
	PriceToleranceAbs: 0.01,
	QuantityTolPct:    0.001,
	TimeWindowHours:   24,
	MinMatchScore:     0.85,
	MLMinConfidence:   0.90,
}

// Scorer is the pluggable match scorer interface. A learned model attaches
// here without disturbing the core logic: when its confidence clears
// MLMinConfidence the returned probability overrides the algorithmic score
// for ranking only. Validation gates always apply.
type Scorer interface {
	Score(internal, external *models.Trade) (float64, error)
}

// Match is one accepted internal/external pair.
type Match struct {
	Internal models.Trade
	External models.Trade
	Score    float64
	Method   string
}

// Result is the output of one engine invocation.
type Result struct {
	Matches []Match
	// Breaks holds the missing-side breaks for unmatched trades, with the
	// matcher's raw severity. The classifier owns the final severity.
	Breaks []models.Break
}

// Engine performs matching for a single run. The lookup index and the
// matched-external set live inside one Run call and are never shared.
type Engine struct {
	cfg    Config
	scorer Scorer
	logger *logrus.Logger
	now    func() time.Time

	priceTolPct decimal.Decimal
	priceTolAbs decimal.Decimal
	qtyTolPct   decimal.Decimal
}

// NewEngine creates a matching engine. scorer may be nil.
func NewEngine(cfg Config, scorer Scorer, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		scorer:      scorer,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		priceTolPct: decimal.NewFromFloat(cfg.PriceTolerancePct),
		priceTolAbs: decimal.NewFromFloat(cfg.PriceToleranceAbs),
		qtyTolPct:   decimal.NewFromFloat(cfg.QuantityTolPct),
	}
}

// indexKeys returns the lookup keys a trade is filed under.
func indexKeys(t *models.Trade) []string {
	return []string{
		t.InstrumentID,
		t.InstrumentID + "/" + t.Counterparty,
		t.TradeID,
	}
}

// Run matches internal trades against external trades for one trade date.
// Pairing is greedy in input order: once an external trade is claimed it is
// never reconsidered. Given identical inputs and config the result is
// deterministic.
func (e *Engine) Run(internal, external []models.Trade) Result {
	// Multi-key index over the external side: every external trade is filed
	// under instrument, instrument/counterparty, and trade id.
	index := make(map[string][]int)
	for i := range external {
		for _, key := range indexKeys(&external[i]) {
			index[key] = append(index[key], i)
		}
	}

	matchedExternal := make(map[int]bool)
	var result Result

	for i := range internal {
		it := &internal[i]
		best, ok := e.findBestMatch(it, external, index, matchedExternal)
		if !ok {
			result.Breaks = append(result.Breaks, e.missingBreak(it, models.BreakMissingExternal))
			continue
		}
		matchedExternal[best.index] = true
		result.Matches = append(result.Matches, Match{
			Internal: *it,
			External: external[best.index],
			Score:    best.score,
			Method:   best.method,
		})
	}

	for x := range external {
		if !matchedExternal[x] {
			result.Breaks = append(result.Breaks, e.missingBreak(&external[x], models.BreakMissingInternal))
		}
	}

	return result
}

type candidate struct {
	index  int
	score  float64
	method string
	// tie-break keys
	timeDelta  time.Duration
	priceDelta decimal.Decimal
	tradeID    string
}

// findBestMatch scores the candidate set for one internal trade and applies
// the validation gates to the winner.
func (e *Engine) findBestMatch(it *models.Trade, external []models.Trade, index map[string][]int, matched map[int]bool) (candidate, bool) {
	seen := make(map[int]bool)
	var best candidate
	found := false

	for _, key := range indexKeys(it) {
		for _, x := range index[key] {
			if seen[x] || matched[x] {
				continue
			}
			seen[x] = true
			xt := &external[x]

			// Time window gate: candidates outside it are dropped silently.
			delta := absDuration(it.TradeDate.Sub(xt.TradeDate))
			if delta.Hours() > e.cfg.TimeWindowHours {
				continue
			}

			c := candidate{
				index:      x,
				score:      e.algorithmicScore(it, xt),
				method:     MethodAlgorithmic,
				timeDelta:  delta,
				priceDelta: it.Price.Sub(xt.Price).Abs(),
				tradeID:    xt.TradeID,
			}
			if e.scorer != nil {
				if prob, err := e.scorer.Score(it, xt); err != nil {
					e.logger.WithField("trade_id", it.TradeID).Warnf("model scorer failed, using algorithmic score: %v", err)
				} else if prob >= e.cfg.MLMinConfidence {
					c.score = prob
					c.method = MethodModel
				}
			}

			if !found || c.better(best) {
				best = c
				found = true
			}
		}
	}

	if !found || !e.validate(it, &external[best.index], best.score) {
		return candidate{}, false
	}
	return best, true
}

// better reports whether c should outrank other: higher score first, then
// smaller time delta, smaller price delta, lexicographic external trade id.
func (c candidate) better(other candidate) bool {
	if c.score != other.score {
		return c.score > other.score
	}
	if c.timeDelta != other.timeDelta {
		return c.timeDelta < other.timeDelta
	}
	if cmp := c.priceDelta.Cmp(other.priceDelta); cmp != 0 {
		return cmp < 0
	}
	return c.tradeID < other.tradeID
}

// algorithmicScore is the weighted average of the five similarity components.
func (e *Engine) algorithmicScore(it, xt *models.Trade) float64 {
	var instrument float64
	if it.InstrumentID == xt.InstrumentID {
		instrument = 1.0
	}
	hours := absDuration(it.TradeDate.Sub(xt.TradeDate)).Hours()

	sum := instrument*weightInstrument +
		CounterpartySimilarity(it.Counterparty, xt.Counterparty)*weightCounterparty +
		proximityScore(it.Price, xt.Price, e.cfg.PriceTolerancePct)*weightPrice +
		proximityScore(it.Quantity, xt.Quantity, e.cfg.QuantityTolPct)*weightQuantity +
		util.Clamp01(1.0-hours/e.cfg.TimeWindowHours)*weightTime

	return sum / weightTotal
}

// validate is the hard gate on the best-scoring candidate. A zero internal
// price or quantity makes the percent formulas undefined and is treated as
// an infinite delta: the pair is rejected.
func (e *Engine) validate(it, xt *models.Trade, score float64) bool {
	if score < e.cfg.MinMatchScore {
		return false
	}
	if it.InstrumentID != xt.InstrumentID {
		return false
	}

	if it.Price.IsZero() {
		return false
	}
	priceDiff := it.Price.Sub(xt.Price).Abs()
	priceWithinPct := priceDiff.Div(it.Price.Abs()).Cmp(e.priceTolPct) <= 0
	priceWithinAbs := priceDiff.Cmp(e.priceTolAbs) <= 0
	if !priceWithinPct && !priceWithinAbs {
		return false
	}

	if it.Quantity.IsZero() {
		return false
	}
	qtyDiff := it.Quantity.Sub(xt.Quantity).Abs()
	return qtyDiff.Div(it.Quantity.Abs()).Cmp(e.qtyTolPct) <= 0
}

// missingBreak emits the raw missing-side break for an unmatched trade.
func (e *Engine) missingBreak(t *models.Trade, kind models.BreakType) models.Break {
	return models.Break{
		Type:      kind,
		Severity:  models.SeverityHigh,
		TradeID:   TradeRef(t),
		Status:    models.BreakOpen,
		CreatedAt: e.now(),
	}
}

// TradeRef returns the stable reference for a trade: the storage ID when
// persisted, otherwise the source-assigned trade id.
func TradeRef(t *models.Trade) string {
	if t.ID != "" {
		return t.ID
	}
	return t.TradeID
}

// abbreviationSimilarity is the floor credited when one name is a recognized
// abbreviation of the other. Kept below 1.0 so abbreviated pairs still surface
// a counterparty mismatch for the alias workflow to close.
const abbreviationSimilarity = 0.8

// CounterpartySimilarity is the normalized edit-distance ratio on the
// uppercased names, in [0, 1]. Edit distance punishes short-form names
// ("GS" against "GOLDMAN SACHS" scores 0.27), so a recognized abbreviation
// raises the result to abbreviationSimilarity.
func CounterpartySimilarity(a, b string) float64 {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	ratio := levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
	if ratio < abbreviationSimilarity && (isAbbreviation(a, b) || isAbbreviation(b, a)) {
		return abbreviationSimilarity
	}
	return ratio
}

// isAbbreviation reports whether short is a recognized short form of long:
// the initials of long's words ("GS" for "GOLDMAN SACHS") or a prefix of
// long's first word ("JPM" for "JPMORGAN CHASE"). Both inputs must already
// be uppercased and trimmed.
func isAbbreviation(short, long string) bool {
	s := []rune(short)
	if len(s) < 2 || len(short) >= len(long) {
		return false
	}
	words := strings.Fields(long)
	if len(words) == 0 {
		return false
	}
	if len(s) == len(words) {
		initials := true
		for i, w := range words {
			if []rune(w)[0] != s[i] {
				initials = false
				break
			}
		}
		if initials {
			return true
		}
	}
	return strings.HasPrefix(words[0], short)
}

// proximityScore maps a percent difference into [0, 1] against a tolerance:
// identical values score 1, values at or beyond the tolerance score toward
// 0. A zero reference value scores 0.
func proximityScore(ref, other decimal.Decimal, tolerancePct float64) float64 {
	if ref.IsZero() {
		return 0.0
	}
	diffPct, _ := other.Sub(ref).Abs().Div(ref.Abs()).Float64()
	if diffPct > tolerancePct {
		return 0.0
	}
	return util.Clamp01(1.0 - diffPct/tolerancePct)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
