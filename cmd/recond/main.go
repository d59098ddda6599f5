// Command recond runs the daily trade reconciliation pipeline for a trade
// date: ingest the internal and external feeds, match, classify breaks,
// auto-resolve, and hand the rest to the operations workflow.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/breaks"
	"github.com/finrecon/recond/internal/config"
	"github.com/finrecon/recond/internal/feeds"
	"github.com/finrecon/recond/internal/match"
	"github.com/finrecon/recond/internal/models"
	"github.com/finrecon/recond/internal/recon"
	"github.com/finrecon/recond/internal/storage"
	"github.com/finrecon/recond/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recond: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		dateStr    = flag.String("date", "", "trade date to reconcile (YYYY-MM-DD, default yesterday)")
		force      = flag.Bool("force", false, "supersede an existing run for the date")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Environment.LogLevel)

	tradeDate, err := resolveTradeDate(*dateStr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := newStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	internalFeed, externalFeeds, err := buildFeeds(cfg, logger)
	if err != nil {
		return err
	}

	var scorer match.Scorer
	if cfg.MLModelPath != "" {
		s, err := match.LoadModelScorer(cfg.MLModelPath)
		if err != nil {
			return fmt.Errorf("loading match model: %w", err)
		}
		scorer = s
		logger.WithField("path", cfg.MLModelPath).Info("match model loaded")
	}

	loc, err := cfg.LateBookingLocation()
	if err != nil {
		return err
	}
	feedTimeout, err := cfg.FeedTimeout()
	if err != nil {
		return err
	}

	orch, err := recon.New(recon.Options{
		InternalFeed:  internalFeed,
		ExternalFeeds: externalFeeds,
		Storage:       store,
		Matching: match.Config{
			PriceTolerancePct: cfg.Matching.PriceTolerancePercent,
			PriceToleranceAbs: cfg.Matching.PriceToleranceAbsolute,
			QuantityTolPct:    cfg.Matching.QuantityTolerancePct,
			TimeWindowHours:   cfg.Matching.TimeWindowHours,
			MinMatchScore:     cfg.Matching.MinMatchScore,
			MLMinConfidence:   cfg.Matching.MLMinConfidence,
		},
		Scorer:         scorer,
		Workflow:       workflow.NewCaseManager(nil, nil, logger),
		Resolver:       breaks.NewResolver(nil, cfg.Resolver.AliasTable, logger),
		LateBookingLoc: loc,
		WorkerPoolSize: cfg.Ingestion.WorkerPoolSize,
		FeedTimeout:    feedTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	result, err := orch.RunDaily(ctx, tradeDate, *force)
	if err != nil {
		if errors.Is(err, recon.ErrAlreadyRun) {
			return fmt.Errorf("%w (use -force to rerun)", err)
		}
		return err
	}

	printSummary(result)
	return nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// resolveTradeDate parses -date, defaulting to yesterday: the daily run
// reconciles the previous business day's activity.
func resolveTradeDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -date %q: %w", s, err)
	}
	return d, nil
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Interface, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := storage.NewPostgresStorage(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

// buildFeeds constructs the internal database feed and the configured
// external file feeds, each wrapped with retry and a circuit breaker.
func buildFeeds(cfg *config.Config, logger *logrus.Logger) (feeds.Feed, []feeds.Feed, error) {
	db, err := sqlx.Open(cfg.Feeds.Internal.Driver, cfg.Feeds.Internal.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("internal feed: %w", err)
	}
	internal := feeds.NewDatabaseFeed(db, cfg.Feeds.Internal.Table, logger)

	var externals []feeds.Feed
	for _, fc := range cfg.Feeds.Externals {
		source := models.Source(fc.Source)
		if !source.Valid() || source.IsInternal() {
			return nil, nil, fmt.Errorf("external feed: invalid source %q", fc.Source)
		}

		var base feeds.Feed
		switch fc.Kind {
		case "csv":
			base = feeds.NewCSVFeed(source, fc.Path, fc.ColumnMapping, logger)
		case "tagvalue":
			base = feeds.NewTagValueFeed(source, fc.Path, fc.Delimiter, logger)
		default:
			return nil, nil, fmt.Errorf("external feed %s: unknown kind %q", fc.Source, fc.Kind)
		}

		externals = append(externals, feeds.NewBreakerFeed(feeds.NewRetryFeed(base, logger), logger))
	}
	return feeds.NewRetryFeed(internal, logger), externals, nil
}

func printSummary(result recon.RunResult) {
	run, report := result.Run, result.Report

	fmt.Printf("\nReconciliation %s completed in %s\n",
		run.TradeDate.Format("2006-01-02"), run.Duration.Round(time.Millisecond))
	fmt.Printf("  internal trades: %d\n", run.InternalTrades)
	fmt.Printf("  external trades: %d\n", run.ExternalTrades)
	fmt.Printf("  matched pairs:   %d\n", run.MatchedTrades)
	fmt.Printf("  breaks:          %d (auto-resolved %d)\n", run.NewBreaks, run.AutoResolvedBreaks)

	if len(report.BySeverity) > 0 {
		fmt.Println("  by severity:")
		for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
			if n := report.BySeverity[string(sev)]; n > 0 {
				fmt.Printf("    %-8s %d\n", sev, n)
			}
		}
	}
	if len(report.Patterns) > 0 {
		fmt.Println("  patterns:")
		for _, p := range report.Patterns {
			fmt.Printf("    %s: %d breaks, %s -> %s\n",
				p.PatternID, p.BreakCount, p.CommonRootCause, p.Recommendation)
		}
	}
	if len(run.Warnings) > 0 {
		fmt.Printf("  warnings: %d (see log)\n", len(run.Warnings))
	}
}
