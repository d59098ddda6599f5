package feeds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finrecon/recond/internal/models"
)

// flakyFeed fails with an IOError until failures is exhausted.
type flakyFeed struct {
	failures int
	calls    int
	trades   []models.Trade
}

func (f *flakyFeed) Source() models.Source { return models.SourceBrokerA }

func (f *flakyFeed) Fetch(_ context.Context, _ time.Time) ([]models.Trade, []ParseWarning, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, nil, &IOError{Source: models.SourceBrokerA, Err: errors.New("connection refused")}
	}
	return f.trades, nil, nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryFeedRecovers(t *testing.T) {
	inner := &flakyFeed{failures: 2, trades: []models.Trade{{TradeID: "T1"}}}
	feed := NewRetryFeed(inner, testLogger(), fastRetryConfig())

	trades, _, err := feed.Fetch(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryFeedExhausted(t *testing.T) {
	inner := &flakyFeed{failures: 10}
	feed := NewRetryFeed(inner, testLogger(), fastRetryConfig())

	_, _, err := feed.Fetch(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %T", err)
	}
	// MaxRetries retries plus the initial attempt.
	if inner.calls != 4 {
		t.Errorf("calls = %d, want 4", inner.calls)
	}
}

// parseErrFeed fails with a non-IO error, which must not be retried.
type parseErrFeed struct{ calls int }

func (f *parseErrFeed) Source() models.Source { return models.SourceBrokerB }

func (f *parseErrFeed) Fetch(_ context.Context, _ time.Time) ([]models.Trade, []ParseWarning, error) {
	f.calls++
	return nil, nil, errors.New("schema mismatch")
}

func TestRetryFeedDoesNotRetryNonIOErrors(t *testing.T) {
	inner := &parseErrFeed{}
	feed := NewRetryFeed(inner, testLogger(), fastRetryConfig())

	_, _, err := feed.Fetch(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryFeedHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := &flakyFeed{failures: 10}
	feed := NewRetryFeed(inner, testLogger(), fastRetryConfig())

	_, _, err := feed.Fetch(ctx, time.Now())
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if inner.calls != 0 {
		t.Errorf("calls = %d, want 0", inner.calls)
	}
}
