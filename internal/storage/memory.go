package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finrecon/recond/internal/models"
)

// MemoryStorage is an in-memory backend for tests and single-shot runs. It
// keeps insertion order so listings are deterministic.
type MemoryStorage struct {
	mu sync.RWMutex

	trades     map[string]*models.Trade
	tradeOrder []string

	breaks     map[string]*models.Break
	breakOrder []string

	runs     map[string]*models.ReconciliationRun
	runOrder []string
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		trades: make(map[string]*models.Trade),
		breaks: make(map[string]*models.Break),
		runs:   make(map[string]*models.ReconciliationRun),
	}
}

// SaveTrade stores a copy of the trade, assigning an ID when absent.
func (s *MemoryStorage) SaveTrade(_ context.Context, t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTradeLocked(t)
}

func (s *MemoryStorage) saveTradeLocked(t *models.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.trades[t.ID]; !exists {
		s.tradeOrder = append(s.tradeOrder, t.ID)
	}
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

// SaveTrades stores a batch under one lock acquisition.
func (s *MemoryStorage) SaveTrades(_ context.Context, trades []models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range trades {
		if err := s.saveTradeLocked(&trades[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStorage) GetTrade(_ context.Context, id string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStorage) UpdateTradeStatus(_ context.Context, id string, status models.TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

// MarkMatched cross-references two trades of opposite sources and marks both
// matched. Under one lock the update is all-or-nothing.
func (s *MemoryStorage) MarkMatched(_ context.Context, internalID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.trades[internalID]
	if !ok {
		return fmt.Errorf("internal trade %s: %w", internalID, ErrNotFound)
	}
	xt, ok := s.trades[externalID]
	if !ok {
		return fmt.Errorf("external trade %s: %w", externalID, ErrNotFound)
	}
	if it.Source == xt.Source {
		return fmt.Errorf("cannot match two %s trades", it.Source)
	}

	it.Status = models.TradeMatched
	it.MatchedTradeID = &xt.ID
	xt.Status = models.TradeMatched
	xt.MatchedTradeID = &it.ID
	return nil
}

func (s *MemoryStorage) TradesByRun(_ context.Context, runID string) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trade
	for _, id := range s.tradeOrder {
		if t := s.trades[id]; t.RunID == runID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *MemoryStorage) SaveBreak(_ context.Context, b *models.Break) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, exists := s.breaks[b.ID]; !exists {
		s.breakOrder = append(s.breakOrder, b.ID)
	}
	cp := *b
	s.breaks[b.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetBreak(_ context.Context, id string) (*models.Break, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breaks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStorage) UpdateBreak(_ context.Context, id string, upd BreakUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breaks[id]
	if !ok {
		return ErrNotFound
	}
	applyBreakUpdate(b, upd)
	return nil
}

func applyBreakUpdate(b *models.Break, upd BreakUpdate) {
	if upd.Status != nil {
		b.Status = *upd.Status
	}
	if upd.Severity != nil {
		b.Severity = *upd.Severity
	}
	if upd.RootCause != nil {
		b.RootCause = *upd.RootCause
	}
	if upd.AutoResolvable != nil {
		b.AutoResolvable = *upd.AutoResolvable
	}
	if upd.SLAHours != nil {
		b.SLAHours = *upd.SLAHours
	}
	if upd.PriorityScore != nil {
		b.PriorityScore = *upd.PriorityScore
	}
	if upd.AssignedTo != nil {
		b.AssignedTo = *upd.AssignedTo
	}
	if upd.ResolvedAt != nil {
		b.ResolvedAt = upd.ResolvedAt
	}
	if upd.ResolutionNotes != nil {
		b.ResolutionNotes = *upd.ResolutionNotes
	}
}

func (s *MemoryStorage) BreaksByRun(_ context.Context, runID string) ([]models.Break, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Break
	for _, id := range s.breakOrder {
		if b := s.breaks[id]; b.RunID == runID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStorage) OpenBreaks(_ context.Context) ([]models.Break, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Break
	for _, id := range s.breakOrder {
		if b := s.breaks[id]; !b.Status.Terminal() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStorage) CountBreaksByStatus(_ context.Context) (map[models.BreakStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.BreakStatus]int)
	for _, b := range s.breaks {
		out[b.Status]++
	}
	return out, nil
}

func (s *MemoryStorage) CountBreaksBySeverity(_ context.Context) (map[models.Severity]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Severity]int)
	for _, b := range s.breaks {
		out[b.Severity]++
	}
	return out, nil
}

// AgingBuckets walks unresolved breaks and buckets each by its age.
func (s *MemoryStorage) AgingBuckets(_ context.Context, now time.Time) (Aging, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out Aging
	for _, b := range s.breaks {
		if b.Status.Terminal() {
			continue
		}
		switch age := now.Sub(b.CreatedAt); {
		case age < 24*time.Hour:
			out.Under24h++
		case age < 48*time.Hour:
			out.Under48h++
		default:
			out.Over48h++
		}
	}
	return out, nil
}

// TopCounterpartiesByBreaks resolves each break's trade reference to its
// counterparty and returns the n most frequent.
func (s *MemoryStorage) TopCounterpartiesByBreaks(_ context.Context, n int) ([]CounterpartyBreaks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, id := range s.breakOrder {
		b := s.breaks[id]
		if t := s.findTradeByRefLocked(b.TradeID); t != nil && t.Counterparty != "" {
			counts[t.Counterparty]++
		}
	}

	rows := make([]CounterpartyBreaks, 0, len(counts))
	for cpty, c := range counts {
		rows = append(rows, CounterpartyBreaks{Counterparty: cpty, Breaks: c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Breaks != rows[j].Breaks {
			return rows[i].Breaks > rows[j].Breaks
		}
		return rows[i].Counterparty < rows[j].Counterparty
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

// findTradeByRefLocked resolves a break's trade reference, which is the
// storage ID when the trade was persisted before the break, otherwise the
// source system's trade ID.
func (s *MemoryStorage) findTradeByRefLocked(ref string) *models.Trade {
	if t, ok := s.trades[ref]; ok {
		return t
	}
	for _, id := range s.tradeOrder {
		if t := s.trades[id]; t.TradeID == ref {
			return t
		}
	}
	return nil
}

func (s *MemoryStorage) CreateRun(_ context.Context, run *models.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := s.runs[run.ID]; exists {
		return &PersistenceError{Op: "create run", Err: fmt.Errorf("run %s already exists", run.ID)}
	}
	s.runOrder = append(s.runOrder, run.ID)
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStorage) UpdateRun(_ context.Context, id string, upd RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	applyRunUpdate(run, upd)
	return nil
}

func applyRunUpdate(run *models.ReconciliationRun, upd RunUpdate) {
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.InternalTrades != nil {
		run.InternalTrades = *upd.InternalTrades
	}
	if upd.ExternalTrades != nil {
		run.ExternalTrades = *upd.ExternalTrades
	}
	if upd.MatchedTrades != nil {
		run.MatchedTrades = *upd.MatchedTrades
	}
	if upd.NewBreaks != nil {
		run.NewBreaks = *upd.NewBreaks
	}
	if upd.AutoResolvedBreaks != nil {
		run.AutoResolvedBreaks = *upd.AutoResolvedBreaks
	}
	if upd.Superseded != nil {
		run.Superseded = *upd.Superseded
	}
	if upd.Duration != nil {
		run.Duration = *upd.Duration
	}
	if upd.ErrorMessage != nil {
		run.ErrorMessage = *upd.ErrorMessage
	}
	if upd.Warnings != nil {
		run.Warnings = append(run.Warnings, upd.Warnings...)
	}
}

func (s *MemoryStorage) GetRun(_ context.Context, id string) (*models.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStorage) FindActiveRunByDate(_ context.Context, tradeDate time.Time) (*models.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := tradeDate.Format("2006-01-02")
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if run.TradeDate.Format("2006-01-02") == day && run.Active() {
			cp := *run
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// FindRunsByDateRange returns runs with a trade date in [from, to], newest
// first, superseded and failed runs included.
func (s *MemoryStorage) FindRunsByDateRange(_ context.Context, from, to time.Time) ([]models.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ReconciliationRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if !run.TradeDate.Before(from) && !run.TradeDate.After(to) {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (s *MemoryStorage) ListRuns(_ context.Context, limit int) ([]models.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ReconciliationRun
	for i := len(s.runOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *s.runs[s.runOrder[i]])
	}
	return out, nil
}
