package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finrecon/recond/internal/models"
)

func newTrade(tradeID string, source models.Source) *models.Trade {
	return &models.Trade{
		TradeID:      tradeID,
		Source:       source,
		TradeDate:    time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC),
		InstrumentID: "AAPL",
		Quantity:     decimal.NewFromInt(100),
		Price:        decimal.RequireFromString("189.50"),
		Currency:     "USD",
		Counterparty: "GOLDMAN SACHS",
		Status:       models.TradeUnmatched,
	}
}

func TestMemorySaveAndGetTrade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	tr := newTrade("INT-1", models.SourceInternal)
	if err := s.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if tr.ID == "" {
		t.Fatal("SaveTrade must assign an ID")
	}

	got, err := s.GetTrade(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.TradeID != "INT-1" {
		t.Errorf("TradeID = %q", got.TradeID)
	}

	// Stored copy is isolated from caller mutation.
	tr.Counterparty = "MUTATED"
	got2, _ := s.GetTrade(ctx, tr.ID)
	if got2.Counterparty != "GOLDMAN SACHS" {
		t.Error("stored trade aliases caller memory")
	}

	if _, err := s.GetTrade(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryMarkMatched(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	it := newTrade("INT-1", models.SourceInternal)
	xt := newTrade("EXT-1", models.SourceBrokerA)
	if err := s.SaveTrades(ctx, []models.Trade{*it, *xt}); err != nil {
		t.Fatalf("SaveTrades: %v", err)
	}
	trades, _ := s.TradesByRun(ctx, "")
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}

	if err := s.MarkMatched(ctx, trades[0].ID, trades[1].ID); err != nil {
		t.Fatalf("MarkMatched: %v", err)
	}

	a, _ := s.GetTrade(ctx, trades[0].ID)
	b, _ := s.GetTrade(ctx, trades[1].ID)
	if a.Status != models.TradeMatched || b.Status != models.TradeMatched {
		t.Error("both trades must be matched")
	}
	if a.MatchedTradeID == nil || *a.MatchedTradeID != b.ID {
		t.Error("cross-reference missing on internal side")
	}
	if b.MatchedTradeID == nil || *b.MatchedTradeID != a.ID {
		t.Error("cross-reference missing on external side")
	}
}

func TestMemoryMarkMatchedRejectsSameSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	a := newTrade("INT-1", models.SourceInternal)
	b := newTrade("INT-2", models.SourceInternal)
	_ = s.SaveTrade(ctx, a)
	_ = s.SaveTrade(ctx, b)

	if err := s.MarkMatched(ctx, a.ID, b.ID); err == nil {
		t.Fatal("matching two internal trades must fail")
	}
	got, _ := s.GetTrade(ctx, a.ID)
	if got.Status != models.TradeUnmatched {
		t.Error("failed match must not mutate either trade")
	}
}

func TestMemoryBreakUpdatePartial(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	b := &models.Break{
		Type:     models.BreakPriceMismatch,
		Severity: models.SeverityMedium,
		TradeID:  "INT-1",
		Status:   models.BreakOpen,
	}
	if err := s.SaveBreak(ctx, b); err != nil {
		t.Fatalf("SaveBreak: %v", err)
	}

	assigned := models.BreakAssigned
	team := "general-ops"
	if err := s.UpdateBreak(ctx, b.ID, BreakUpdate{Status: &assigned, AssignedTo: &team}); err != nil {
		t.Fatalf("UpdateBreak: %v", err)
	}

	got, _ := s.GetBreak(ctx, b.ID)
	if got.Status != models.BreakAssigned || got.AssignedTo != "general-ops" {
		t.Errorf("update not applied: %+v", got)
	}
	// Untouched fields survive a partial update.
	if got.Severity != models.SeverityMedium {
		t.Errorf("severity clobbered: %s", got.Severity)
	}
}

func TestMemoryBreakCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	for _, sev := range []models.Severity{models.SeverityHigh, models.SeverityHigh, models.SeverityLow} {
		_ = s.SaveBreak(ctx, &models.Break{
			Type: models.BreakAccountMismatch, Severity: sev,
			TradeID: "T", Status: models.BreakOpen,
		})
	}
	_ = s.SaveBreak(ctx, &models.Break{
		Type: models.BreakPriceMismatch, Severity: models.SeverityLow,
		TradeID: "T", Status: models.BreakAutoResolved,
	})

	bySev, _ := s.CountBreaksBySeverity(ctx)
	if bySev[models.SeverityHigh] != 2 || bySev[models.SeverityLow] != 2 {
		t.Errorf("by severity = %v", bySev)
	}
	byStatus, _ := s.CountBreaksByStatus(ctx)
	if byStatus[models.BreakOpen] != 3 || byStatus[models.BreakAutoResolved] != 1 {
		t.Errorf("by status = %v", byStatus)
	}

	open, _ := s.OpenBreaks(ctx)
	if len(open) != 3 {
		t.Errorf("open breaks = %d", len(open))
	}
}

func TestMemoryTopCounterparties(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	gs := newTrade("INT-1", models.SourceInternal)
	_ = s.SaveTrade(ctx, gs)
	jpm := newTrade("INT-2", models.SourceInternal)
	jpm.Counterparty = "JPMORGAN"
	_ = s.SaveTrade(ctx, jpm)

	for i := 0; i < 3; i++ {
		_ = s.SaveBreak(ctx, &models.Break{
			Type: models.BreakPriceMismatch, TradeID: gs.ID, Status: models.BreakOpen,
		})
	}
	_ = s.SaveBreak(ctx, &models.Break{
		Type: models.BreakPriceMismatch, TradeID: jpm.ID, Status: models.BreakOpen,
	})

	rows, err := s.TopCounterpartiesByBreaks(ctx, 10)
	if err != nil {
		t.Fatalf("TopCounterpartiesByBreaks: %v", err)
	}
	if len(rows) != 2 || rows[0].Counterparty != "GOLDMAN SACHS" || rows[0].Breaks != 3 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestMemoryAgingBuckets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	ages := []time.Duration{
		2 * time.Hour,  // under 24h
		30 * time.Hour, // 24-48h
		36 * time.Hour, // 24-48h
		72 * time.Hour, // beyond
	}
	for _, age := range ages {
		_ = s.SaveBreak(ctx, &models.Break{
			Type: models.BreakPriceMismatch, TradeID: "T",
			Status: models.BreakOpen, CreatedAt: now.Add(-age),
		})
	}
	// Terminal breaks never age.
	_ = s.SaveBreak(ctx, &models.Break{
		Type: models.BreakPriceMismatch, TradeID: "T",
		Status: models.BreakResolved, CreatedAt: now.Add(-100 * time.Hour),
	})

	got, err := s.AgingBuckets(ctx, now)
	if err != nil {
		t.Fatalf("AgingBuckets: %v", err)
	}
	want := Aging{Under24h: 1, Under48h: 2, Over48h: 1}
	if got != want {
		t.Errorf("aging = %+v, want %+v", got, want)
	}
}

func TestMemoryFindRunsByDateRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	day := func(d int) time.Time { return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC) }
	for _, d := range []int{20, 21, 22, 24} {
		_ = s.CreateRun(ctx, &models.ReconciliationRun{
			TradeDate: day(d), Status: models.RunCompleted,
		})
	}

	runs, err := s.FindRunsByDateRange(ctx, day(21), day(22))
	if err != nil {
		t.Fatalf("FindRunsByDateRange: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	// Newest first, both bounds inclusive.
	if !runs[0].TradeDate.Equal(day(22)) || !runs[1].TradeDate.Equal(day(21)) {
		t.Errorf("dates = %v, %v", runs[0].TradeDate, runs[1].TradeDate)
	}
}

func TestMemoryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	date := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	run := &models.ReconciliationRun{
		TradeDate: date,
		StartedAt: time.Now().UTC(),
		Status:    models.RunRunning,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	found, err := s.FindActiveRunByDate(ctx, date)
	if err != nil {
		t.Fatalf("FindActiveRunByDate: %v", err)
	}
	if found.ID != run.ID {
		t.Errorf("found run %s, want %s", found.ID, run.ID)
	}

	completed := models.RunCompleted
	matched := 42
	if err := s.UpdateRun(ctx, run.ID, RunUpdate{Status: &completed, MatchedTrades: &matched}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != models.RunCompleted || got.MatchedTrades != 42 {
		t.Errorf("run = %+v", got)
	}

	// A superseded run no longer blocks the date.
	superseded := true
	_ = s.UpdateRun(ctx, run.ID, RunUpdate{Superseded: &superseded})
	if _, err := s.FindActiveRunByDate(ctx, date); !errors.Is(err, ErrNotFound) {
		t.Errorf("superseded run still active: %v", err)
	}

	runs, _ := s.ListRuns(ctx, 10)
	if len(runs) != 1 {
		t.Errorf("runs = %d", len(runs))
	}
}

func TestMemoryFailedRunDoesNotBlockDate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	date := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	run := &models.ReconciliationRun{TradeDate: date, Status: models.RunFailed}
	_ = s.CreateRun(ctx, run)

	if _, err := s.FindActiveRunByDate(ctx, date); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed run must not block the date: %v", err)
	}
}
