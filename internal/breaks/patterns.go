package breaks

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// DBSCAN parameters, tuned for standardized feature columns.
const (
	clusterEps    = 0.5
	clusterMinPts = 3
	// minBreaksForDetection is the floor below which clustering is noise.
	minBreaksForDetection = 5
)

// Feature hash moduli. Primes keep collisions spread while bounding the
// categorical columns to a small numeric range before standardization.
const (
	cptyHashMod  = 997
	instrHashMod = 991
	typeHashMod  = 97
)

// Pattern is a cluster of related breaks with a plurality summary and a
// suggested remediation.
type Pattern struct {
	PatternID          string             `json:"pattern_id"`
	BreakCount         int                `json:"break_count"`
	CommonCounterparty string             `json:"common_counterparty,omitempty"`
	CommonBreakType    models.BreakType   `json:"common_break_type,omitempty"`
	CommonRootCause    models.RootCause   `json:"common_root_cause,omitempty"`
	TotalImpact        decimal.Decimal    `json:"total_impact"`
	FirstOccurrence    time.Time          `json:"first_occurrence"`
	LastOccurrence     time.Time          `json:"last_occurrence"`
	Severity           models.Severity    `json:"severity"`
	Recommendation     string             `json:"recommendation"`
	BreakIDs           []string           `json:"break_ids"`
}

// Detector clusters open breaks into recurring patterns with DBSCAN over a
// small engineered feature space. The implementation is self-contained so
// results are bit-for-bit reproducible across runs and platforms.
type Detector struct {
	eps    float64
	minPts int
	logger *logrus.Logger
}

// NewDetector creates a detector with the default clustering parameters.
func NewDetector(logger *logrus.Logger) *Detector {
	return &Detector{eps: clusterEps, minPts: clusterMinPts, logger: logger}
}

// Detect clusters the given breaks and summarizes each cluster of at least
// minPts members. Fewer than minBreaksForDetection breaks yields no patterns.
// Input order determines cluster numbering, so sorted input gives stable IDs.
func (d *Detector) Detect(items []Item) []Pattern {
	if len(items) < minBreaksForDetection {
		return nil
	}

	features := make([][]float64, len(items))
	for i, it := range items {
		features[i] = featureVector(it)
	}
	standardize(features)

	labels := dbscan(features, d.eps, d.minPts)

	clusters := make(map[int][]Item)
	for i, label := range labels {
		if label >= 0 {
			clusters[label] = append(clusters[label], items[i])
		}
	}

	ids := make([]int, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var patterns []Pattern
	for _, id := range ids {
		members := clusters[id]
		if len(members) < d.minPts {
			continue
		}
		p := summarize(id, members)
		d.logger.WithFields(logrus.Fields{
			"pattern_id":  p.PatternID,
			"break_count": p.BreakCount,
			"root_cause":  p.CommonRootCause,
		}).Info("detected break pattern")
		patterns = append(patterns, p)
	}
	return patterns
}

// featureVector maps a break and its trade to numeric columns: hashed
// categoricals, priority, and the trade economics.
func featureVector(it Item) []float64 {
	b, t := it.Break, it.Trade

	var cpty, instr string
	var price, qty float64
	if t != nil {
		cpty = t.Counterparty
		instr = t.InstrumentID
		price, _ = t.Price.Float64()
		qty, _ = t.Quantity.Abs().Float64()
	}

	return []float64{
		float64(stableHash(cpty) % cptyHashMod),
		float64(stableHash(instr) % instrHashMod),
		float64(stableHash(string(b.Type)) % typeHashMod),
		float64(b.PriorityScore),
		price,
		qty,
	}
}

// stableHash is FNV-1a, chosen over the runtime map hash because it is
// identical on every platform and process restart.
func stableHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// standardize rescales each column to zero mean and unit variance in place.
// Constant columns are left centered at zero.
func standardize(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	cols := len(rows[0])
	for c := 0; c < cols; c++ {
		var sum float64
		for _, row := range rows {
			sum += row[c]
		}
		mean := sum / float64(len(rows))

		var variance float64
		for _, row := range rows {
			d := row[c] - mean
			variance += d * d
		}
		std := math.Sqrt(variance / float64(len(rows)))

		for _, row := range rows {
			row[c] -= mean
			if std > 0 {
				row[c] /= std
			}
		}
	}
}

// dbscan labels each point with a cluster number, or -1 for noise. Points are
// visited in input order and neighborhoods are expanded in index order, so
// the labeling is deterministic.
func dbscan(points [][]float64, eps float64, minPts int) []int {
	const (
		unvisited = -2
		noise     = -1
	)
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = noise
			continue
		}

		labels[i] = cluster
		for qi := 0; qi < len(neighbors); qi++ {
			q := neighbors[qi]
			if labels[q] == noise {
				labels[q] = cluster
			}
			if labels[q] != unvisited {
				continue
			}
			labels[q] = cluster
			qNeighbors := regionQuery(points, q, eps)
			if len(qNeighbors) >= minPts {
				neighbors = append(neighbors, qNeighbors...)
			}
		}
		cluster++
	}
	return labels
}

func regionQuery(points [][]float64, idx int, eps float64) []int {
	var out []int
	for j := range points {
		if euclidean(points[idx], points[j]) <= eps {
			out = append(out, j)
		}
	}
	return out
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// summarize builds the pattern record for one cluster.
func summarize(id int, members []Item) Pattern {
	p := Pattern{
		PatternID:  fmt.Sprintf("PATTERN-%03d", id+1),
		BreakCount: len(members),
	}

	cptyCounts := make(map[string]int)
	typeCounts := make(map[string]int)
	causeCounts := make(map[string]int)

	for _, it := range members {
		b := it.Break
		if it.Trade != nil && it.Trade.Counterparty != "" {
			cptyCounts[it.Trade.Counterparty]++
		}
		typeCounts[string(b.Type)]++
		if b.RootCause != "" {
			causeCounts[string(b.RootCause)]++
		}

		if b.Difference.Valid && it.Trade != nil {
			p.TotalImpact = p.TotalImpact.Add(b.AbsDifference().Mul(it.Trade.Quantity.Abs()))
		}

		if p.FirstOccurrence.IsZero() || b.CreatedAt.Before(p.FirstOccurrence) {
			p.FirstOccurrence = b.CreatedAt
		}
		if b.CreatedAt.After(p.LastOccurrence) {
			p.LastOccurrence = b.CreatedAt
		}
		p.BreakIDs = append(p.BreakIDs, b.ID)
	}

	p.CommonCounterparty = plurality(cptyCounts)
	p.CommonBreakType = models.BreakType(plurality(typeCounts))
	p.CommonRootCause = models.RootCause(plurality(causeCounts))

	p.Severity = models.SeverityMedium
	if p.BreakCount > 10 {
		p.Severity = models.SeverityHigh
	}
	p.Recommendation = recommendation(p.CommonRootCause)

	return p
}

// plurality returns the most frequent key, breaking count ties by lexical
// order so the summary is deterministic.
func plurality(counts map[string]int) string {
	var best string
	bestN := 0
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

func recommendation(cause models.RootCause) string {
	switch cause {
	case models.RootCauseBrokerFeedIssue:
		return "Contact broker to verify feed completeness and timing"
	case models.RootCauseDataEntryError:
		return "Review booking procedures with the trading desk"
	case models.RootCausePartialFill:
		return "Confirm fill quantities with the executing broker"
	case models.RootCauseRoundingDifference:
		return "Align price precision conventions with the counterparty"
	case models.RootCauseLateBooking:
		return "Review end-of-day booking cutoff with operations"
	default:
		return "Manual investigation required"
	}
}
