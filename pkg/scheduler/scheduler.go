// Package scheduler fetches many windows in parallel on a bounded pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	windowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_windows_total",
		Help: "Windows processed by status (ok, failed, skipped)",
	}, []string{"status"})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_scheduler_workers_busy",
		Help: "Workers currently fetching a window",
	})
)

// Fetcher fetches one window. fetch.Worker implements it.
type Fetcher interface {
	Fetch(ctx context.Context, window model.TimeWindow) model.FetchOutcome
}

// Config holds scheduler configuration.
type Config struct {
	// PoolSize is the number of windows fetched at once. Each worker issues
	// one upstream call at a time, so it also bounds in-flight calls.
	PoolSize int

	// ProgressEvery logs progress after this many completed windows.
	ProgressEvery int
}

// DefaultConfig returns the default configuration: 6 workers.
func DefaultConfig() Config {
	return Config{
		PoolSize:      6,
		ProgressEvery: 10,
	}
}

// Result aggregates the outcomes of one Run.
type Result struct {
	// Records holds every record collected, in no particular order.
	Records []model.RawRecord

	// Windows is the number of windows planned.
	Windows int

	// Completed counts windows that were fetched without failures.
	Completed int

	// Failed lists windows that lost at least one sub-range or were cut short
	// by cancellation.
	Failed []model.TimeWindow

	// Skipped lists windows never started because the run was cancelled.
	Skipped []model.TimeWindow

	// SubrangeFailures sums FetchOutcome.Failures.
	SubrangeFailures int
}

// FailedWindows counts windows that did not complete: failed plus skipped.
func (r Result) FailedWindows() int {
	return len(r.Failed) + len(r.Skipped)
}

// Scheduler runs a Fetcher over many windows.
type Scheduler struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a new scheduler.
func New(fetcher Fetcher, config Config, logger zerolog.Logger) *Scheduler {
	if config.PoolSize <= 0 {
		config.PoolSize = 6
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 10
	}
	return &Scheduler{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// Run fetches every window and blocks until all started fetches return.
// Outcomes are collected in completion order. Once ctx is cancelled no new
// window is started; the records already collected are still returned.
func (s *Scheduler) Run(ctx context.Context, windows []model.TimeWindow) Result {
	start := time.Now()
	result := Result{Windows: len(windows)}
	if len(windows) == 0 {
		return result
	}

	workers := s.config.PoolSize
	if workers > len(windows) {
		workers = len(windows)
	}

	queue := make(chan model.TimeWindow)
	outcomes := make(chan model.FetchOutcome, workers)

	var (
		mu      sync.Mutex
		skipped []model.TimeWindow
	)

	var g errgroup.Group

	// Feed the queue until every window is handed out or ctx is done.
	g.Go(func() error {
		defer close(queue)
		for i, w := range windows {
			select {
			case queue <- w:
			case <-ctx.Done():
				mu.Lock()
				skipped = append(skipped, windows[i:]...)
				mu.Unlock()
				return nil
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		workerID := i
		g.Go(func() error {
			processed := 0
			for w := range queue {
				if ctx.Err() != nil {
					mu.Lock()
					skipped = append(skipped, w)
					mu.Unlock()
					continue
				}
				workersBusy.Inc()
				outcome := s.fetcher.Fetch(ctx, w)
				workersBusy.Dec()
				outcomes <- outcome
				processed++
			}
			s.logger.Debug().
				Int("worker_id", workerID).
				Int("windows_processed", processed).
				Msg("Worker completed")
			return nil
		})
	}

	go func() {
		g.Wait()
		close(outcomes)
	}()

	done := 0
	for outcome := range outcomes {
		done++
		result.Records = append(result.Records, outcome.Records...)
		result.SubrangeFailures += outcome.Failures
		if outcome.OK {
			result.Completed++
			windowsTotal.WithLabelValues("ok").Inc()
		} else {
			result.Failed = append(result.Failed, outcome.Window)
			windowsTotal.WithLabelValues("failed").Inc()
		}

		if done%s.config.ProgressEvery == 0 {
			s.logger.Info().
				Int("done", done).
				Int("total", len(windows)).
				Float64("progress_pct", float64(done)/float64(len(windows))*100).
				Int("records", len(result.Records)).
				Msg("Fetch progress")
		}
	}

	result.Skipped = skipped
	windowsTotal.WithLabelValues("skipped").Add(float64(len(skipped)))

	event := s.logger.Info()
	if ctx.Err() != nil {
		event = s.logger.Warn()
	}
	event.
		Int("windows", len(windows)).
		Int("completed", result.Completed).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Int("records", len(result.Records)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return result
}
