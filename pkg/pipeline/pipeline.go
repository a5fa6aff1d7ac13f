// Package pipeline runs a complete backfill: plan windows over a time range,
// fetch them concurrently through a throttled upstream, normalize the
// records, and upload them to a document store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/subgraph-backfill/pkg/fetch"
	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/normalize"
	"github.com/Sternrassler/subgraph-backfill/pkg/ratelimit"
	"github.com/Sternrassler/subgraph-backfill/pkg/scheduler"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
	"github.com/Sternrassler/subgraph-backfill/pkg/upload"
	"github.com/Sternrassler/subgraph-backfill/pkg/upstream"
	"github.com/Sternrassler/subgraph-backfill/pkg/window"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_pipeline_runs_total",
		Help: "Pipeline runs by status (completed, partial, cancelled, invalid)",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_pipeline_run_duration_seconds",
		Help:    "Duration of pipeline runs",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})
)

// ErrInvalidConfig marks a configuration error found before any work starts.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// ErrStoreUnavailable marks a document store that could not be reached before
// any work starts.
var ErrStoreUnavailable = errors.New("document store unavailable")

// Sink receives the normalized documents of a run before they are uploaded.
type Sink interface {
	Name() string
	Consume(ctx context.Context, collection string, docs []model.Document) error
}

// Config holds the configuration of every stage.
type Config struct {
	RateLimit ratelimit.Config
	Fetch     fetch.Config
	Scheduler scheduler.Config
	Upload    upload.Config

	// TargetTokens restricts swaps to those touching one of these token
	// addresses. Empty keeps every swap.
	TargetTokens []string
}

// DefaultConfig returns the defaults of every stage.
func DefaultConfig() Config {
	return Config{
		RateLimit: ratelimit.DefaultConfig(),
		Fetch:     fetch.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Upload:    upload.DefaultConfig(),
	}
}

// Validate checks every stage.
func (c Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if c.Fetch.PageSize <= 0 {
		return fmt.Errorf("fetch: page size must be positive, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.ChunkSize < 0 {
		return errors.New("fetch: chunk size must not be negative")
	}
	if c.Scheduler.PoolSize < 0 {
		return fmt.Errorf("scheduler: pool size must not be negative, got %d", c.Scheduler.PoolSize)
	}
	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

// Report summarizes one Run.
type Report struct {
	RunID      uuid.UUID
	Collection string

	// Windows is the number of planned windows.
	Windows int

	// RecordsFetched counts records returned by the upstream, before the
	// token filter.
	RecordsFetched int

	// RecordsFiltered counts records dropped by the token filter.
	RecordsFiltered int

	// RecordsUploaded counts documents persisted.
	RecordsUploaded int

	// FailedWindows counts windows that lost a sub-range or never ran.
	FailedWindows int

	// SubrangeFailures counts sub-ranges skipped after a call-level failure.
	SubrangeFailures int

	// FailedBatches counts batches whose commit attempts were exhausted and
	// that fell back to per-document writes.
	FailedBatches int

	// Upload is the full uploader report.
	Upload upload.Report

	// SinkErrors counts sinks that failed to consume the documents.
	SinkErrors int

	// Cancelled is set when ctx was cancelled during the fetch phase.
	Cancelled bool

	Duration time.Duration
}

// Complete reports whether nothing was lost.
func (r Report) Complete() bool {
	return !r.Cancelled && r.FailedWindows == 0 && r.FailedBatches == 0 &&
		r.Upload.RecordsFailed == 0 && r.SinkErrors == 0
}

// Pipeline wires the stages together for one dataset.
type Pipeline struct {
	querier upstream.Querier
	store   store.DocumentStore
	config  Config
	sinks   []Sink
	logger  zerolog.Logger
}

// New creates a pipeline fetching from querier and uploading to s.
func New(querier upstream.Querier, s store.DocumentStore, config Config, logger zerolog.Logger, sinks ...Sink) *Pipeline {
	return &Pipeline{
		querier: querier,
		store:   s,
		config:  config,
		sinks:   sinks,
		logger:  logger,
	}
}

// Run backfills rng at the given granularity into collection.
//
// The returned error is non-nil only for configuration errors and an
// unreachable store, both detected before any upstream call. Every other
// failure is counted in the report. Cancelling ctx stops fetching; whatever
// was fetched is still normalized and uploaded.
func (p *Pipeline) Run(ctx context.Context, rng model.TimeWindow, g window.Granularity, collection string) (Report, error) {
	started := time.Now()
	report := Report{RunID: uuid.New(), Collection: collection}

	logger := p.logger.With().
		Str("run_id", report.RunID.String()).
		Str("collection", collection).
		Logger()

	if err := p.validate(rng, g, collection); err != nil {
		runsTotal.WithLabelValues("invalid").Inc()
		return report, err
	}

	if err := p.store.Ping(ctx); err != nil {
		runsTotal.WithLabelValues("invalid").Inc()
		return report, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	windows, err := window.Plan(rng.Start, rng.End, g)
	if err != nil {
		runsTotal.WithLabelValues("invalid").Inc()
		return report, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	report.Windows = len(windows)

	logger.Info().
		Time("start", rng.Start).
		Time("end", rng.End).
		Str("granularity", g.String()).
		Int("windows", len(windows)).
		Int("pool_size", p.config.Scheduler.PoolSize).
		Msg("Starting backfill")

	// One throttled client for the whole run: every worker shares the
	// interval and the retry policy.
	client := ratelimit.New(p.querier, p.config.RateLimit, logger.With().Str("component", "ratelimit").Logger())
	worker := fetch.NewWorker(client, p.config.Fetch, logger.With().Str("component", "fetch").Logger())
	sched := scheduler.New(worker, p.config.Scheduler, logger.With().Str("component", "scheduler").Logger())

	result := sched.Run(ctx, windows)
	report.RecordsFetched = len(result.Records)
	report.FailedWindows = result.FailedWindows()
	report.SubrangeFailures = result.SubrangeFailures
	report.Cancelled = ctx.Err() != nil

	records := NewTokenFilter(p.config.TargetTokens).Apply(result.Records)
	report.RecordsFiltered = report.RecordsFetched - len(records)

	docs := normalize.All(records)

	// Collected results are flushed even if the run was cancelled.
	flushCtx := context.WithoutCancel(ctx)

	for _, sink := range p.sinks {
		if err := sink.Consume(flushCtx, collection, docs); err != nil {
			report.SinkErrors++
			logger.Error().Err(err).Str("sink", sink.Name()).Msg("Sink failed")
		}
	}

	uploader := upload.New(p.store, p.config.Upload, logger)
	uploaded, err := uploader.Upload(flushCtx, collection, docs)
	if err != nil {
		logger.Error().Err(err).Msg("Upload stopped early")
	}
	report.Upload = uploaded
	report.RecordsUploaded = uploaded.RecordsUploaded
	report.FailedBatches = uploaded.BatchesFallback

	report.Duration = time.Since(started)
	runDuration.Observe(report.Duration.Seconds())

	status := "completed"
	switch {
	case report.Cancelled:
		status = "cancelled"
	case !report.Complete():
		status = "partial"
	}
	runsTotal.WithLabelValues(status).Inc()

	logger.Info().
		Str("status", status).
		Int("windows", report.Windows).
		Int("failed_windows", report.FailedWindows).
		Int("records_fetched", report.RecordsFetched).
		Int("records_filtered", report.RecordsFiltered).
		Int("records_uploaded", report.RecordsUploaded).
		Int("failed_batches", report.FailedBatches).
		Int("records_failed", report.Upload.RecordsFailed).
		Dur("duration", report.Duration).
		Msg("Backfill finished")

	return report, nil
}

func (p *Pipeline) validate(rng model.TimeWindow, g window.Granularity, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidConfig)
	}
	if g == nil {
		return fmt.Errorf("%w: no granularity", ErrInvalidConfig)
	}
	if rng.Start.IsZero() || rng.End.IsZero() {
		return fmt.Errorf("%w: range needs a start and an end", ErrInvalidConfig)
	}
	if p.querier == nil || p.store == nil {
		return fmt.Errorf("%w: missing upstream or store", ErrInvalidConfig)
	}
	if err := p.config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
