package feeds

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// RetryConfig bounds the retry loop around a flaky feed.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is used when no explicit config is provided.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// RetryFeed wraps a Feed with bounded exponential backoff on I/O failures.
// Parse warnings pass through untouched; only IOErrors are retried.
type RetryFeed struct {
	feed   Feed
	config RetryConfig
	logger *logrus.Logger
}

// NewRetryFeed wraps feed with retry behavior.
func NewRetryFeed(feed Feed, logger *logrus.Logger, config ...RetryConfig) *RetryFeed {
	cfg := DefaultRetryConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &RetryFeed{feed: feed, config: cfg, logger: logger}
}

// Source implements Feed.
func (r *RetryFeed) Source() models.Source { return r.feed.Source() }

// Fetch implements Feed.
func (r *RetryFeed) Fetch(ctx context.Context, tradeDate time.Time) ([]models.Trade, []ParseWarning, error) {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, &IOError{Source: r.feed.Source(), Err: err}
		}

		trades, warnings, err := r.feed.Fetch(ctx, tradeDate)
		if err == nil {
			return trades, warnings, nil
		}

		var ioErr *IOError
		if !errors.As(err, &ioErr) {
			return nil, nil, err
		}
		lastErr = err
		if attempt == r.config.MaxRetries {
			break
		}

		wait := backoff + jitter(backoff/4)
		r.logger.WithFields(logrus.Fields{
			"source":  r.feed.Source(),
			"attempt": attempt + 1,
			"backoff": wait,
		}).Warnf("feed fetch failed, retrying: %v", err)

		select {
		case <-ctx.Done():
			return nil, nil, &IOError{Source: r.feed.Source(), Err: ctx.Err()}
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	return nil, nil, lastErr
}

// jitter returns a random duration in [0, max) to spread concurrent retries.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return max / 2
	}
	return time.Duration(n.Int64())
}
