package breaks

import (
	"sort"
	"time"

	"github.com/finrecon/recond/internal/models"
)

// Aging buckets breaks by open age.
type Aging struct {
	Under24h int `json:"0-24h"`
	Under48h int `json:"24-48h"`
	Over48h  int `json:"48h+"`
}

// CounterpartyCount is one row of the top-counterparty table.
type CounterpartyCount struct {
	Counterparty string `json:"counterparty"`
	Breaks       int    `json:"breaks"`
}

// Report is the per-run break summary handed to operations.
type Report struct {
	GeneratedAt       time.Time           `json:"generated_at"`
	TotalBreaks       int                 `json:"total_breaks"`
	BySeverity        map[string]int      `json:"by_severity"`
	ByType            map[string]int      `json:"by_type"`
	ByStatus          map[string]int      `json:"by_status"`
	TopCounterparties []CounterpartyCount `json:"top_counterparties"`
	Aging             Aging               `json:"aging"`
	Patterns          []Pattern           `json:"patterns,omitempty"`
	// TopPriority lists the highest-priority unresolved breaks first.
	TopPriority []*models.Break `json:"top_priority,omitempty"`
}

const reportTopN = 10

// BuildReport aggregates classified breaks and detected patterns into the
// run report. The now argument fixes the aging reference point.
func BuildReport(items []Item, patterns []Pattern, now time.Time) Report {
	r := Report{
		GeneratedAt: now,
		TotalBreaks: len(items),
		BySeverity:  make(map[string]int),
		ByType:      make(map[string]int),
		ByStatus:    make(map[string]int),
		Patterns:    patterns,
	}

	cptyCounts := make(map[string]int)
	var open []*models.Break

	for _, it := range items {
		b := it.Break
		r.BySeverity[string(b.Severity)]++
		r.ByType[string(b.Type)]++
		r.ByStatus[string(b.Status)]++

		if it.Trade != nil && it.Trade.Counterparty != "" {
			cptyCounts[it.Trade.Counterparty]++
		}

		age := b.AgeHours(now)
		switch {
		case age < 24:
			r.Aging.Under24h++
		case age < 48:
			r.Aging.Under48h++
		default:
			r.Aging.Over48h++
		}

		if !b.Status.Terminal() {
			open = append(open, b)
		}
	}

	r.TopCounterparties = topCounterparties(cptyCounts, reportTopN)

	sort.SliceStable(open, func(i, j int) bool {
		return open[i].PriorityScore > open[j].PriorityScore
	})
	if len(open) > reportTopN {
		open = open[:reportTopN]
	}
	r.TopPriority = open

	return r
}

func topCounterparties(counts map[string]int, n int) []CounterpartyCount {
	rows := make([]CounterpartyCount, 0, len(counts))
	for cpty, c := range counts {
		rows = append(rows, CounterpartyCount{Counterparty: cpty, Breaks: c})
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
	return rows
}
