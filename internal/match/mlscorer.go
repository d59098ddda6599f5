package match

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/finrecon/recond/internal/models"
)

// numFeatures is the size of the feature vector the model scorer consumes.
const numFeatures = 12

// ModelScorer is a logistic model over pair features, trained offline on
// historical resolved matches and loaded from a JSON weights artifact. It
// satisfies Scorer and plugs into the engine behind MLMinConfidence.
type ModelScorer struct {
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights"`
	// Means and Stds standardize features the same way the trainer did.
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// LoadModelScorer reads a model artifact from path.
func LoadModelScorer(path string) (*ModelScorer, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}
	var s ModelScorer
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing model artifact: %w", err)
	}
	if len(s.Weights) != numFeatures || len(s.Means) != numFeatures || len(s.Stds) != numFeatures {
		return nil, fmt.Errorf("model artifact must carry %d weights/means/stds, got %d/%d/%d",
			numFeatures, len(s.Weights), len(s.Means), len(s.Stds))
	}
	return &s, nil
}

// Score implements Scorer, returning the model's match probability.
func (s *ModelScorer) Score(internal, external *models.Trade) (float64, error) {
	f := pairFeatures(internal, external)
	z := s.Bias
	for i, x := range f {
		if s.Stds[i] != 0 {
			x = (x - s.Means[i]) / s.Stds[i]
		}
		z += s.Weights[i] * x
	}
	return 1.0 / (1.0 + math.Exp(-z)), nil
}

// pairFeatures extracts the feature vector for a candidate pair. Percent
// features fall back to 0 when the internal denominator is zero.
func pairFeatures(it, xt *models.Trade) [numFeatures]float64 {
	priceDiff, _ := xt.Price.Sub(it.Price).Abs().Float64()
	qtyDiff, _ := xt.Quantity.Sub(it.Quantity).Abs().Float64()

	priceDiffPct := 0.0
	if !it.Price.IsZero() {
		priceDiffPct, _ = xt.Price.Sub(it.Price).Abs().Div(it.Price.Abs()).Float64()
	}
	qtyDiffPct := 0.0
	if !it.Quantity.IsZero() {
		qtyDiffPct, _ = xt.Quantity.Sub(it.Quantity).Abs().Div(it.Quantity.Abs()).Float64()
	}

	notional, _ := it.Notional().Float64()
	notionalDiff, _ := it.Notional().Sub(xt.Notional()).Abs().Float64()

	return [numFeatures]float64{
		priceDiff,
		priceDiffPct,
		qtyDiff,
		qtyDiffPct,
		absDuration(it.TradeDate.Sub(xt.TradeDate)).Hours(),
		CounterpartySimilarity(it.Counterparty, xt.Counterparty),
		CounterpartySimilarity(it.InstrumentName, xt.InstrumentName),
		boolFeature(it.InstrumentID == xt.InstrumentID),
		boolFeature(it.Currency == xt.Currency),
		boolFeature(it.Account == xt.Account),
		notional,
		notionalDiff,
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
