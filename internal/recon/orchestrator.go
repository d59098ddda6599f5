// Package recon wires the pipeline together: feed ingestion, matching, break
// classification, auto-resolution, pattern detection, and the run record.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/finrecon/recond/internal/breaks"
	"github.com/finrecon/recond/internal/feeds"
	"github.com/finrecon/recond/internal/match"
	"github.com/finrecon/recond/internal/models"
	"github.com/finrecon/recond/internal/storage"
	"github.com/finrecon/recond/internal/workflow"
)

// ErrAlreadyRun is returned when an active run exists for the trade date and
// force was not requested.
var ErrAlreadyRun = errors.New("reconciliation already run for trade date")

// Options configures an Orchestrator.
type Options struct {
	// InternalFeed supplies the firm's own trades. Its failure is fatal.
	InternalFeed feeds.Feed
	// ExternalFeeds supply broker and custodian trades. Their failures are
	// recorded as run warnings; the run continues with the sides that loaded.
	ExternalFeeds []feeds.Feed

	Storage  storage.Interface
	Matching match.Config
	Scorer   match.Scorer
	Workflow workflow.Collaborator
	Resolver *breaks.Resolver

	// LateBookingLoc is the timezone for the late-booking root-cause cutoff.
	LateBookingLoc *time.Location

	// WorkerPoolSize bounds concurrent feed fetches.
	WorkerPoolSize int
	// FeedTimeout bounds a single adapter fetch.
	FeedTimeout time.Duration

	Logger *logrus.Logger
}

// RunResult is the outcome of one orchestrated run.
type RunResult struct {
	Run    models.ReconciliationRun
	Report breaks.Report
}

// Orchestrator executes the daily reconciliation pipeline.
type Orchestrator struct {
	opts   Options
	logger *logrus.Logger
	now    func() time.Time
}

// New creates an orchestrator. InternalFeed, Storage, and Logger are
// required; the rest default sensibly.
func New(opts Options) (*Orchestrator, error) {
	if opts.InternalFeed == nil {
		return nil, errors.New("internal feed is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 5
	}
	if opts.FeedTimeout <= 0 {
		opts.FeedTimeout = 5 * time.Minute
	}
	if opts.Matching == (match.Config{}) {
		opts.Matching = match.DefaultConfig
	}
	if opts.Resolver == nil {
		opts.Resolver = breaks.NewResolver(nil, nil, opts.Logger)
	}
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunDaily executes the pipeline for one trade date. At most one active run
// may exist per date; force supersedes the prior run instead of failing.
func (o *Orchestrator) RunDaily(ctx context.Context, tradeDate time.Time, force bool) (result RunResult, err error) {
	started := o.now()

	if prior, findErr := o.opts.Storage.FindActiveRunByDate(ctx, tradeDate); findErr == nil {
		if !force {
			return RunResult{}, fmt.Errorf("%w: %s", ErrAlreadyRun, tradeDate.Format("2006-01-02"))
		}
		superseded := true
		if updErr := o.opts.Storage.UpdateRun(ctx, prior.ID, storage.RunUpdate{Superseded: &superseded}); updErr != nil {
			return RunResult{}, fmt.Errorf("superseding run %s: %w", prior.ID, updErr)
		}
		o.logger.WithField("run_id", prior.ID).Info("prior run superseded by forced rerun")
	} else if !errors.Is(findErr, storage.ErrNotFound) {
		return RunResult{}, findErr
	}

	run := models.ReconciliationRun{
		TradeDate: tradeDate,
		StartedAt: started,
		Status:    models.RunRunning,
	}
	if err := o.opts.Storage.CreateRun(ctx, &run); err != nil {
		return RunResult{}, err
	}

	log := o.logger.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"trade_date": tradeDate.Format("2006-01-02"),
	})
	log.Info("reconciliation run started")

	// A panic anywhere in the pipeline marks the run failed instead of
	// leaving a running record behind.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation panicked: %v", r)
			o.failRun(run.ID, started, err)
		}
	}()

	result, err = o.execute(ctx, &run, started, log)
	if err != nil {
		o.failRun(run.ID, started, err)
		return RunResult{}, err
	}
	return result, nil
}

// failRun records a failure on the run. The update uses a fresh context so a
// cancelled run still gets its terminal state written.
func (o *Orchestrator) failRun(runID string, started time.Time, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed := models.RunFailed
	msg := cause.Error()
	if errors.Is(cause, context.Canceled) {
		msg = "cancelled"
	}
	dur := o.now().Sub(started)
	if err := o.opts.Storage.UpdateRun(ctx, runID, storage.RunUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
		Duration:     &dur,
	}); err != nil {
		o.logger.WithError(err).WithField("run_id", runID).Error("recording run failure")
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *models.ReconciliationRun, started time.Time, log *logrus.Entry) (RunResult, error) {
	store := o.opts.Storage

	// Step 1: parallel ingestion.
	internal, external, warnings, err := o.ingest(ctx, run.TradeDate)
	if err != nil {
		return RunResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return RunResult{}, fmt.Errorf("cancelled: %w", err)
	}

	// Step 2: persist canonical trades under this run.
	for i := range internal {
		internal[i].RunID = run.ID
		internal[i].Status = models.TradeUnmatched
	}
	for i := range external {
		external[i].RunID = run.ID
		external[i].Status = models.TradeUnmatched
	}
	if err := store.SaveTrades(ctx, internal); err != nil {
		return RunResult{}, err
	}
	if err := store.SaveTrades(ctx, external); err != nil {
		return RunResult{}, err
	}
	intCount, extCount := len(internal), len(external)
	if err := store.UpdateRun(ctx, run.ID, storage.RunUpdate{
		InternalTrades: &intCount,
		ExternalTrades: &extCount,
		Warnings:       warnings,
	}); err != nil {
		return RunResult{}, err
	}
	log.WithFields(logrus.Fields{
		"internal": intCount,
		"external": extCount,
		"warnings": len(warnings),
	}).Info("ingestion complete")

	if err := ctx.Err(); err != nil {
		return RunResult{}, fmt.Errorf("cancelled: %w", err)
	}

	// Step 3: match.
	engine := match.NewEngine(o.opts.Matching, o.opts.Scorer, o.logger)
	matchResult := engine.Run(internal, external)
	log.WithFields(logrus.Fields{
		"matches": len(matchResult.Matches),
		"missing": len(matchResult.Breaks),
	}).Info("matching complete")

	tradeByRef := make(map[string]*models.Trade, len(internal)+len(external))
	for i := range internal {
		tradeByRef[match.TradeRef(&internal[i])] = &internal[i]
	}
	for i := range external {
		tradeByRef[match.TradeRef(&external[i])] = &external[i]
	}

	// Step 4: record matches and inspect pairs for field-level breaks.
	var allBreaks []breaks.Item
	for _, m := range matchResult.Matches {
		if err := store.MarkMatched(ctx, m.Internal.ID, m.External.ID); err != nil {
			return RunResult{}, err
		}
		// Keep the in-memory trades in step with storage: both sides of a
		// mismatch break stay matched, only unmatched trades flip to break
		// status below.
		if t := tradeByRef[match.TradeRef(&m.Internal)]; t != nil {
			t.Status = models.TradeMatched
		}
		if t := tradeByRef[match.TradeRef(&m.External)]; t != nil {
			t.Status = models.TradeMatched
		}
		for _, b := range engine.InspectPair(m) {
			b.RunID = run.ID
			bCopy := b
			allBreaks = append(allBreaks, breaks.Item{
				Break: &bCopy,
				Trade: tradeByRef[b.TradeID],
			})
		}
	}

	// Step 5: missing-side breaks.
	for _, b := range matchResult.Breaks {
		b.RunID = run.ID
		bCopy := b
		allBreaks = append(allBreaks, breaks.Item{
			Break: &bCopy,
			Trade: tradeByRef[b.TradeID],
		})
	}

	if err := ctx.Err(); err != nil {
		return RunResult{}, fmt.Errorf("cancelled: %w", err)
	}

	// Step 6: classify.
	classifier := breaks.NewClassifier(o.opts.LateBookingLoc)
	for _, item := range allBreaks {
		classifier.Classify(item)
	}

	// Step 7: auto-resolve.
	breakPtrs := make([]*models.Break, len(allBreaks))
	for i, item := range allBreaks {
		breakPtrs[i] = item.Break
	}
	batch := o.opts.Resolver.BatchResolve(breakPtrs)
	log.WithFields(logrus.Fields{
		"breaks":        len(allBreaks),
		"auto_resolved": batch.AutoResolved,
	}).Info("auto-resolution complete")

	// Step 8: persist breaks and flag their trades.
	for _, item := range allBreaks {
		if err := store.SaveBreak(ctx, item.Break); err != nil {
			return RunResult{}, err
		}
		if item.Trade != nil && item.Trade.Status == models.TradeUnmatched {
			if err := store.UpdateTradeStatus(ctx, item.Trade.ID, models.TradeBreak); err != nil {
				return RunResult{}, err
			}
			item.Trade.Status = models.TradeBreak
		}
	}

	if err := ctx.Err(); err != nil {
		return RunResult{}, fmt.Errorf("cancelled: %w", err)
	}

	// Step 9: hand unresolved breaks to the workflow.
	if o.opts.Workflow != nil {
		for _, item := range allBreaks {
			if item.Break.Status.Terminal() {
				continue
			}
			var cpty string
			if item.Trade != nil {
				cpty = item.Trade.Counterparty
			}
			if _, err := o.opts.Workflow.CreateCase(ctx, item.Break, cpty); err != nil {
				log.WithError(err).WithField("break_id", item.Break.ID).Warn("case creation failed")
			}
		}
	}

	// Step 10: pattern detection and the run report. The detector sees the
	// full break set, auto-resolved included, so recurring causes that the
	// resolver keeps papering over still surface as patterns.
	detector := breaks.NewDetector(o.logger)
	patterns := detector.Detect(allBreaks)
	report := breaks.BuildReport(allBreaks, patterns, o.now())

	// Finalize the run record.
	completed := models.RunCompleted
	matched := len(matchResult.Matches)
	newBreaks := len(allBreaks)
	dur := o.now().Sub(started)
	if err := store.UpdateRun(ctx, run.ID, storage.RunUpdate{
		Status:             &completed,
		MatchedTrades:      &matched,
		NewBreaks:          &newBreaks,
		AutoResolvedBreaks: &batch.AutoResolved,
		Duration:           &dur,
	}); err != nil {
		return RunResult{}, err
	}

	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		return RunResult{}, err
	}
	final.Warnings = warnings

	log.WithFields(logrus.Fields{
		"matched":       matched,
		"breaks":        newBreaks,
		"auto_resolved": batch.AutoResolved,
		"duration":      dur.Round(time.Millisecond),
	}).Info("reconciliation run completed")

	return RunResult{Run: *final, Report: report}, nil
}

// ingest fetches the internal feed and every external feed concurrently,
// bounded by the worker pool. An external feed failure becomes a run warning;
// an internal feed failure aborts.
func (o *Orchestrator) ingest(ctx context.Context, tradeDate time.Time) (internal, external []models.Trade, warnings []string, err error) {
	sem := semaphore.NewWeighted(int64(o.opts.WorkerPoolSize))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	externalBySource := make(map[models.Source][]models.Trade)

	fetch := func(f feeds.Feed) ([]models.Trade, []feeds.ParseWarning, error) {
		fctx, cancel := context.WithTimeout(gctx, o.opts.FeedTimeout)
		defer cancel()
		return f.Fetch(fctx, tradeDate)
	}

	// The internal feed runs outside the pool: only the external fan-out is
	// bounded, so a size-1 pool never serializes the internal fetch behind it.
	g.Go(func() error {
		trades, warns, err := fetch(o.opts.InternalFeed)
		if err != nil {
			return fmt.Errorf("internal feed: %w", err)
		}
		mu.Lock()
		internal = trades
		warnings = append(warnings, warningStrings(warns)...)
		mu.Unlock()
		return nil
	})

	for _, f := range o.opts.ExternalFeeds {
		f := f
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			trades, warns, err := fetch(f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// The run proceeds one-sided; everything the missing feed
				// would have matched becomes a missing-external break.
				warnings = append(warnings, fmt.Sprintf("external feed %s failed: %v", f.Source(), err))
				o.logger.WithError(err).WithField("source", f.Source()).Warn("external feed failed")
				return nil
			}
			externalBySource[f.Source()] = trades
			warnings = append(warnings, warningStrings(warns)...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	// Deterministic concatenation order regardless of goroutine completion.
	for _, f := range o.opts.ExternalFeeds {
		external = append(external, externalBySource[f.Source()]...)
	}
	return internal, external, warnings, nil
}

func warningStrings(warns []feeds.ParseWarning) []string {
	out := make([]string, 0, len(warns))
	for _, w := range warns {
		out = append(out, w.String())
	}
	return out
}
