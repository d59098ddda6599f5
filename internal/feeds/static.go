package feeds

import (
	"context"
	"time"

	"github.com/finrecon/recond/internal/models"
)

// StaticFeed serves a fixed set of canonical trades. It backs tests and the
// demo configuration.
type StaticFeed struct {
	source models.Source
	trades []models.Trade
	err    error
}

// NewStaticFeed creates a feed that always returns the given trades.
func NewStaticFeed(source models.Source, trades []models.Trade) *StaticFeed {
	return &StaticFeed{source: source, trades: trades}
}

// NewFailingFeed creates a feed whose Fetch always fails with an IOError
// wrapping err.
func NewFailingFeed(source models.Source, err error) *StaticFeed {
	return &StaticFeed{source: source, err: err}
}

// Source implements Feed.
func (f *StaticFeed) Source() models.Source { return f.source }

// Fetch implements Feed. Trades are returned as copies so callers cannot
// mutate the canned data.
func (f *StaticFeed) Fetch(ctx context.Context, _ time.Time) ([]models.Trade, []ParseWarning, error) {
	if f.err != nil {
		return nil, nil, &IOError{Source: f.source, Err: f.err}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &IOError{Source: f.source, Err: err}
	}
	out := make([]models.Trade, len(f.trades))
	copy(out, f.trades)
	return out, nil, nil
}
