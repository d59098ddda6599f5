package feeds

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/finrecon/recond/internal/models"
)

// BreakerSettings configures circuit breaker behavior for a feed.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// BreakerFeed wraps a Feed with a circuit breaker so that a broker endpoint
// that is down hard fails fast instead of eating the whole feed timeout on
// every attempt.
type BreakerFeed struct {
	feed    Feed
	breaker *gobreaker.CircuitBreaker
}

type fetchResult struct {
	trades   []models.Trade
	warnings []ParseWarning
}

// NewBreakerFeed wraps feed with a circuit breaker using sensible defaults.
func NewBreakerFeed(feed Feed, logger *logrus.Logger) *BreakerFeed {
	return NewBreakerFeedWithSettings(feed, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerFeedWithSettings wraps feed with a circuit breaker using custom
// settings.
func NewBreakerFeedWithSettings(feed Feed, logger *logrus.Logger, settings BreakerSettings) *BreakerFeed {
	gbSettings := gobreaker.Settings{
		Name:        "feed:" + string(feed.Source()),
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithField("breaker", name).Warnf("circuit breaker state changed from %s to %s", from, to)
		},
	}

	return &BreakerFeed{
		feed:    feed,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Source implements Feed.
func (b *BreakerFeed) Source() models.Source { return b.feed.Source() }

// Fetch implements Feed.
func (b *BreakerFeed) Fetch(ctx context.Context, tradeDate time.Time) ([]models.Trade, []ParseWarning, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		trades, warnings, err := b.feed.Fetch(ctx, tradeDate)
		if err != nil {
			return nil, err
		}
		return fetchResult{trades: trades, warnings: warnings}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, nil, &IOError{Source: b.feed.Source(), Err: err}
		}
		return nil, nil, err
	}
	r := res.(fetchResult)
	return r.trades, r.warnings, nil
}
