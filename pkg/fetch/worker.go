// Package fetch pages one time window out of the upstream.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	fetchPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_fetch_pages_total",
		Help: "Total upstream pages fetched",
	})

	fetchRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_fetch_records_total",
		Help: "Total raw records fetched",
	})

	fetchSkippedSubrangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_fetch_skipped_subranges_total",
		Help: "Sub-ranges discarded after a call-level failure, by error class",
	}, []string{"error_class"})
)

// Config holds worker configuration.
type Config struct {
	// PageSize is the maximum number of records requested per call.
	PageSize int

	// ChunkSize splits a window into fixed sub-ranges that are paged and
	// skipped independently. Zero pages the whole window as one sub-range.
	ChunkSize time.Duration
}

// DefaultConfig returns the subgraph defaults: pages of 1000 records, the
// whole window as one sub-range.
func DefaultConfig() Config {
	return Config{
		PageSize: 1000,
	}
}

// Worker fetches every record of a window, one page at a time.
type Worker struct {
	querier upstream.Querier
	config  Config
	logger  zerolog.Logger
}

// NewWorker creates a new worker. The querier is expected to throttle and
// retry on its own.
func NewWorker(querier upstream.Querier, config Config, logger zerolog.Logger) *Worker {
	if config.PageSize <= 0 {
		config.PageSize = 1000
	}
	if config.ChunkSize < 0 {
		config.ChunkSize = 0
	}
	return &Worker{
		querier: querier,
		config:  config,
		logger:  logger,
	}
}

// Fetch pages window to exhaustion. A failing sub-range is logged and
// skipped; the outcome then has OK=false but keeps every record collected.
// Cancellation returns what was collected so far with OK=false.
func (w *Worker) Fetch(ctx context.Context, window model.TimeWindow) model.FetchOutcome {
	start := time.Now()
	out := model.FetchOutcome{Window: window, OK: true}

	logger := w.logger.With().
		Time("window_start", window.Start).
		Time("window_end", window.End).
		Logger()
	logger.Info().Msg("Window fetch started")

	for chunkStart := window.Start; chunkStart.Before(window.End); {
		chunkEnd := window.End
		if w.config.ChunkSize > 0 {
			if next := chunkStart.Add(w.config.ChunkSize); next.Before(window.End) {
				chunkEnd = next
			}
		}

		if err := w.fetchRange(ctx, chunkStart, chunkEnd, &out); err != nil {
			out.OK = false
			if ctx.Err() != nil {
				logger.Warn().
					Err(err).
					Int("records", len(out.Records)).
					Msg("Window fetch cancelled, keeping partial records")
				return out
			}

			class := upstream.ClassOf(err)
			fetchSkippedSubrangesTotal.WithLabelValues(string(class)).Inc()
			out.Failures++
			logger.Warn().
				Err(err).
				Str("error_class", string(class)).
				Time("subrange_start", chunkStart).
				Time("subrange_end", chunkEnd).
				Msg("Skipping sub-range after failed call")
		}

		chunkStart = chunkEnd
	}

	logger.Info().
		Int("records", len(out.Records)).
		Int("failures", out.Failures).
		Dur("duration", time.Since(start)).
		Msg("Window fetch done")

	return out
}

// fetchRange pages [start, end), appending to out as pages arrive so that a
// later failure keeps the earlier pages.
func (w *Worker) fetchRange(ctx context.Context, start, end time.Time, out *model.FetchOutcome) error {
	lower := start
	for lower.Before(end) {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := w.query(ctx, lower, end)
		if err != nil {
			return err
		}

		fetchPagesTotal.Inc()
		fetchRecordsTotal.Add(float64(len(page)))
		out.Records = append(out.Records, page...)

		w.logger.Debug().
			Time("lower", lower).
			Time("upper", end).
			Int("records", len(page)).
			Msg("Page received")

		if len(page) < w.config.PageSize {
			return nil
		}

		// Timestamps have second resolution; the next page starts strictly
		// after the last one returned.
		next := page[len(page)-1].RecordTime().Truncate(time.Second).Add(time.Second)
		if !next.After(lower) {
			return &upstream.Error{
				Class:   upstream.ErrorClassMalformed,
				Message: fmt.Sprintf("page did not advance past %s", lower.UTC().Format(time.RFC3339)),
			}
		}
		lower = next
	}
	return nil
}

func (w *Worker) query(ctx context.Context, lower, upper time.Time) ([]model.RawRecord, error) {
	return w.querier.Query(ctx, lower, upper, w.config.PageSize)
}
