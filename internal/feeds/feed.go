// Package feeds provides trade feed adapters and the normalizer that turns
// heterogeneous source payloads into canonical trades. Adapters are
// stateless and idempotent: the same input produces the same canonical
// records in the same order.
package feeds

import (
	"context"
	"fmt"
	"time"

	"github.com/finrecon/recond/internal/models"
)

// Feed is the contract every trade source adapter satisfies.
type Feed interface {
	// Source identifies which side the feed reports for.
	Source() models.Source
	// Fetch returns the canonical trades for the given trade date. Per-row
	// normalization failures are returned as warnings, not errors; an error
	// is returned only when the feed itself cannot be read.
	Fetch(ctx context.Context, tradeDate time.Time) ([]models.Trade, []ParseWarning, error)
}

// IOError reports an adapter-level I/O failure (unreachable database,
// missing file). External feed IOErrors are recorded on the run; an internal
// feed IOError is fatal to the run.
type IOError struct {
	Source models.Source
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Source, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseWarning records a per-row or per-message normalization failure.
// Warnings never abort a feed; they accumulate on the run.
type ParseWarning struct {
	Source models.Source
	// Line is the 1-based row or message number within the feed.
	Line   int
	Record string
	Reason string
}

func (w ParseWarning) String() string {
	return fmt.Sprintf("%s line %d: %s (%s)", w.Source, w.Line, w.Reason, w.Record)
}
