package breaks

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestResolver(aliases AliasTable) *Resolver {
	r := NewResolver(nil, aliases, testLogger())
	r.now = func() time.Time { return time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC) }
	return r
}

func TestResolveSettlementWithinTPlusOne(t *testing.T) {
	b := &models.Break{
		ID:             "b1",
		Type:           models.BreakSettlementDateMismatch,
		ExpectedValue:  "2026-08-26",
		ActualValue:    "2026-08-27",
		Status:         models.BreakOpen,
		AutoResolvable: true,
	}
	res, ok := newTestResolver(nil).Resolve(b)
	if !ok {
		t.Fatal("expected rule 1 to fire")
	}
	if res.Rule != "settlement_date_t_plus_adjustment" {
		t.Errorf("rule = %s", res.Rule)
	}
	if res.Action != ActionAcceptExternal {
		t.Errorf("action = %s", res.Action)
	}
	if b.Status != models.BreakAutoResolved {
		t.Errorf("status = %s", b.Status)
	}
	if b.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
	if b.ResolutionNotes != "Auto-resolved: Settlement date within T+1 tolerance" {
		t.Errorf("notes = %q", b.ResolutionNotes)
	}
}

func TestResolveSettlementTooFar(t *testing.T) {
	b := &models.Break{
		Type:          models.BreakSettlementDateMismatch,
		ExpectedValue: "2026-08-26",
		ActualValue:   "2026-08-29",
	}
	if _, ok := newTestResolver(nil).Resolve(b); ok {
		t.Error("3-day drift must not auto-resolve")
	}
}

func TestResolvePennyRounding(t *testing.T) {
	b := &models.Break{
		Type:       models.BreakPriceMismatch,
		Difference: decimal.NewNullDecimal(dec("0.01")),
	}
	res, ok := newTestResolver(nil).Resolve(b)
	if !ok {
		t.Fatal("expected penny rule to fire")
	}
	if res.Rule != "penny_rounding" || res.Action != ActionAcceptExternal {
		t.Errorf("resolution = %+v", res)
	}

	// The penny threshold is inclusive; a cent and a half is beyond it.
	over := &models.Break{
		Type:       models.BreakPriceMismatch,
		Difference: decimal.NewNullDecimal(dec("0.015")),
	}
	if _, ok := newTestResolver(nil).Resolve(over); ok {
		t.Error("1.5 cent difference must not fire the penny rule")
	}
}

func TestResolveQuantityStrictThreshold(t *testing.T) {
	under := &models.Break{
		Type:       models.BreakQuantityMismatch,
		Difference: decimal.NewNullDecimal(dec("0.005")),
	}
	res, ok := newTestResolver(nil).Resolve(under)
	if !ok || res.Action != ActionAcceptInternal {
		t.Fatalf("expected quantity rule accept-internal, got %+v ok=%v", res, ok)
	}

	// Exactly 0.01 fails: the quantity comparison is strict.
	at := &models.Break{
		Type:       models.BreakQuantityMismatch,
		Difference: decimal.NewNullDecimal(dec("0.01")),
	}
	if _, ok := newTestResolver(nil).Resolve(at); ok {
		t.Error("quantity difference of exactly 0.01 must not fire")
	}
}

func TestResolveCounterpartyAlias(t *testing.T) {
	aliases := AliasTable{"JPMORGAN CHASE": "JPM"}
	b := &models.Break{
		Type:          models.BreakCounterpartyMismatch,
		ExpectedValue: "JPMORGAN CHASE",
		ActualValue:   "JPM",
	}
	res, ok := newTestResolver(aliases).Resolve(b)
	if !ok || res.Action != ActionUpdateMapping {
		t.Fatalf("expected alias rule update-mapping, got %+v ok=%v", res, ok)
	}

	// The lookup is symmetric.
	reversed := &models.Break{
		Type:          models.BreakCounterpartyMismatch,
		ExpectedValue: "jpm",
		ActualValue:   "JPMorgan Chase",
	}
	if _, ok := newTestResolver(aliases).Resolve(reversed); !ok {
		t.Error("alias lookup must be symmetric and case-insensitive")
	}

	unknown := &models.Break{
		Type:          models.BreakCounterpartyMismatch,
		ExpectedValue: "JPMORGAN CHASE",
		ActualValue:   "GOLDMAN SACHS",
	}
	if _, ok := newTestResolver(aliases).Resolve(unknown); ok {
		t.Error("unknown counterparty pair must not resolve")
	}
}

func TestEvaluateBadDataIsErrorNotMatch(t *testing.T) {
	b := &models.Break{
		Type:          models.BreakSettlementDateMismatch,
		ExpectedValue: "not-a-date",
		ActualValue:   "2026-08-27",
	}
	fired, err := Evaluate(DefaultRules()[0], b, nil)
	if err == nil {
		t.Fatal("expected evaluation error for unparseable date")
	}
	if fired {
		t.Error("errored evaluation must not fire")
	}
}

func TestBatchResolve(t *testing.T) {
	mk := func(id string, resolvable bool) *models.Break {
		return &models.Break{
			ID:             id,
			Type:           models.BreakPriceMismatch,
			Difference:     decimal.NewNullDecimal(dec("0.005")),
			Status:         models.BreakOpen,
			AutoResolvable: resolvable,
		}
	}
	items := []*models.Break{
		mk("b1", true),
		mk("b2", false), // classifier said no
		{ // no rule applies
			ID:             "b3",
			Type:           models.BreakCurrencyMismatch,
			Status:         models.BreakOpen,
			AutoResolvable: true,
		},
	}

	result := newTestResolver(nil).BatchResolve(items)
	if result.Total != 3 {
		t.Errorf("total = %d", result.Total)
	}
	if result.AutoResolved != 1 {
		t.Errorf("auto-resolved = %d, want 1", result.AutoResolved)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}
	if len(result.Resolutions) != 1 || result.Resolutions[0].BreakID != "b1" {
		t.Errorf("resolutions = %+v", result.Resolutions)
	}
	if items[1].Status != models.BreakOpen {
		t.Error("non-resolvable break must stay open")
	}
}

func TestBatchResolveIdempotent(t *testing.T) {
	b := &models.Break{
		ID:             "b1",
		Type:           models.BreakPriceMismatch,
		Difference:     decimal.NewNullDecimal(dec("0.005")),
		Status:         models.BreakOpen,
		AutoResolvable: true,
	}
	r := newTestResolver(nil)

	first := r.BatchResolve([]*models.Break{b})
	if first.AutoResolved != 1 {
		t.Fatalf("first pass auto-resolved = %d", first.AutoResolved)
	}

	// Terminal breaks are skipped, so a repeated batch fires nothing.
	second := r.BatchResolve([]*models.Break{b})
	if second.AutoResolved != 0 || second.Failed != 0 {
		t.Errorf("second pass should skip resolved break: %+v", second)
	}
}
