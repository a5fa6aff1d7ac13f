// Package upload writes normalized documents to a document store in
// batches, retrying failed commits and degrading to per-document writes when
// a batch keeps failing.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/retry"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_upload_batches_total",
		Help: "Upload batches by outcome (committed, fallback, failed)",
	}, []string{"status"})

	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_upload_documents_total",
		Help: "Documents by outcome (written, failed)",
	}, []string{"status"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_upload_commit_duration_seconds",
		Help:    "Duration of batch commits including retries",
		Buckets: prometheus.DefBuckets,
	})
)

// Config holds uploader configuration.
type Config struct {
	// BatchSize is the number of documents per commit.
	BatchSize int

	// MaxAttempts is the number of commit attempts per batch before falling
	// back to per-document writes.
	MaxAttempts int

	// BaseDelay and MaxJitter shape the backoff between commit attempts:
	// BaseDelay*2^attempt + rand[0, MaxJitter).
	BaseDelay time.Duration
	MaxJitter time.Duration

	// Every ThrottleEvery batches the uploader pauses for
	// min(ThrottleMax, ThrottleBase + n*ThrottleStep) where n is the batch
	// number. Other batches are followed by BetweenBatches.
	ThrottleEvery  int
	ThrottleBase   time.Duration
	ThrottleStep   time.Duration
	ThrottleMax    time.Duration
	BetweenBatches time.Duration

	// FallbackPause is slept after every FallbackPauseEvery individual writes.
	FallbackPauseEvery int
	FallbackPause      time.Duration

	// DryRun logs a sample document and writes nothing.
	DryRun bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:          100,
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		MaxJitter:          time.Second,
		ThrottleEvery:      10,
		ThrottleBase:       500 * time.Millisecond,
		ThrottleStep:       10 * time.Millisecond,
		ThrottleMax:        2 * time.Second,
		BetweenBatches:     200 * time.Millisecond,
		FallbackPauseEvery: 10,
		FallbackPause:      100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxJitter < 0 || c.ThrottleBase < 0 || c.ThrottleStep < 0 ||
		c.ThrottleMax < 0 || c.BetweenBatches < 0 || c.FallbackPause < 0 {
		return errors.New("upload delays must not be negative")
	}
	return nil
}

// throttle returns the pause after batch n (1-based).
func (c Config) throttle(n int) time.Duration {
	if c.ThrottleEvery > 0 && n%c.ThrottleEvery == 0 {
		return min(c.ThrottleMax, c.ThrottleBase+time.Duration(n)*c.ThrottleStep)
	}
	return c.BetweenBatches
}

// Report summarizes one Upload call.
type Report struct {
	// RecordsProcessed counts documents handed to the store, or to the dry
	// run.
	RecordsProcessed int

	// RecordsUploaded counts documents persisted by a batch commit or an
	// individual write.
	RecordsUploaded int

	// Batches is the number of batches attempted.
	Batches int

	// BatchesCommitted counts batches persisted by a batch commit.
	BatchesCommitted int

	// BatchesFallback counts batches whose commit attempts were exhausted and
	// that were written document by document.
	BatchesFallback int

	// BatchesFailed counts fallback batches where no document was written.
	BatchesFailed int

	// RecordsFailed counts documents that failed even under fallback.
	RecordsFailed int
}

// Add accumulates another report into r.
func (r *Report) Add(o Report) {
	r.RecordsProcessed += o.RecordsProcessed
	r.RecordsUploaded += o.RecordsUploaded
	r.Batches += o.Batches
	r.BatchesCommitted += o.BatchesCommitted
	r.BatchesFallback += o.BatchesFallback
	r.BatchesFailed += o.BatchesFailed
	r.RecordsFailed += o.RecordsFailed
}

// Uploader writes documents to a store.
type Uploader struct {
	store  store.DocumentStore
	config Config
	logger zerolog.Logger
}

// New creates an Uploader.
func New(s store.DocumentStore, config Config, logger zerolog.Logger) *Uploader {
	return &Uploader{
		store:  s,
		config: config,
		logger: logger.With().Str("component", "uploader").Logger(),
	}
}

// Upload writes docs to collection. Documents are keyed by their id, so
// running it twice over the same documents leaves the store unchanged.
// Failures are counted in the report; the returned error is non-nil only when
// ctx is cancelled, in which case the report covers the batches processed so
// far.
func (u *Uploader) Upload(ctx context.Context, collection string, docs []model.Document) (Report, error) {
	var report Report
	if len(docs) == 0 {
		return report, nil
	}

	if u.config.DryRun {
		return u.dryRun(collection, docs), nil
	}

	size := max(u.config.BatchSize, 1)
	total := (len(docs) + size - 1) / size

	u.logger.Info().
		Str("collection", collection).
		Int("documents", len(docs)).
		Int("batches", total).
		Int("batch_size", size).
		Msg("Starting upload")

	for n := 1; n <= total; n++ {
		start := (n - 1) * size
		batch := docs[start:min(start+size, len(docs))]

		report.Add(u.uploadBatch(ctx, collection, batch, n))

		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("upload cancelled after batch %d/%d: %w", n, total, err)
		}

		if n < total {
			if err := retry.Sleep(ctx, u.config.throttle(n)); err != nil {
				return report, fmt.Errorf("upload cancelled after batch %d/%d: %w", n, total, err)
			}
		}
	}

	u.logger.Info().
		Str("collection", collection).
		Int("processed", report.RecordsProcessed).
		Int("uploaded", report.RecordsUploaded).
		Int("batches_committed", report.BatchesCommitted).
		Int("batches_fallback", report.BatchesFallback).
		Int("batches_failed", report.BatchesFailed).
		Int("records_failed", report.RecordsFailed).
		Msg("Upload finished")

	return report, nil
}

func (u *Uploader) uploadBatch(ctx context.Context, collection string, batch []model.Document, n int) Report {
	report := Report{Batches: 1, RecordsProcessed: len(batch)}

	start := time.Now()
	err := retry.Do(ctx, retry.Policy{
		Name:        "upload",
		MaxAttempts: u.config.MaxAttempts,
		Delay:       retry.ExponentialJitter(u.config.BaseDelay, u.config.MaxJitter),
		Retryable:   func(err error) bool { return !errors.Is(err, store.ErrInvalidInput) },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			u.logger.Warn().
				Err(err).
				Int("batch", n).
				Int("attempt", attempt).
				Int("max_attempts", u.config.MaxAttempts).
				Dur("wait", wait).
				Msg("Batch commit failed, retrying")
		},
	}, func(ctx context.Context) error {
		if err := u.store.BatchWrite(ctx, collection, batch); err != nil {
			return store.CommitError(collection, len(batch), err)
		}
		return nil
	})
	commitDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		batchesTotal.WithLabelValues("committed").Inc()
		documentsTotal.WithLabelValues("written").Add(float64(len(batch)))
		u.logger.Debug().
			Int("batch", n).
			Int("documents", len(batch)).
			Msg("Batch committed")
		report.BatchesCommitted = 1
		report.RecordsUploaded = len(batch)
		return report
	}

	if ctx.Err() != nil {
		// Cancelled while backing off; nothing of this batch is known to be
		// written.
		report.RecordsFailed = len(batch)
		documentsTotal.WithLabelValues("failed").Add(float64(len(batch)))
		return report
	}

	u.logger.Error().
		Err(err).
		Int("batch", n).
		Int("documents", len(batch)).
		Msg("Batch commit exhausted, writing documents individually")

	report.BatchesFallback = 1
	batchesTotal.WithLabelValues("fallback").Inc()

	written := u.writeEach(ctx, collection, batch, n)
	report.RecordsUploaded = written
	report.RecordsFailed = len(batch) - written
	if written == 0 {
		report.BatchesFailed = 1
		batchesTotal.WithLabelValues("failed").Inc()
	}

	u.logger.Info().
		Int("batch", n).
		Int("written", written).
		Int("documents", len(batch)).
		Msg("Individual writes finished")

	return report
}

// writeEach writes documents one at a time and returns how many succeeded.
func (u *Uploader) writeEach(ctx context.Context, collection string, batch []model.Document, n int) int {
	written := 0
	for i, d := range batch {
		if err := u.store.Write(ctx, collection, d.ID, d.Fields); err != nil {
			documentsTotal.WithLabelValues("failed").Inc()
			u.logger.Error().
				Err(store.WriteError(collection, d.ID, err)).
				Int("batch", n).
				Str("id", d.ID).
				Msg("Document write failed")
		} else {
			written++
			documentsTotal.WithLabelValues("written").Inc()
		}

		every := u.config.FallbackPauseEvery
		if every > 0 && (i+1)%every == 0 && i+1 < len(batch) {
			if err := retry.Sleep(ctx, u.config.FallbackPause); err != nil {
				return written
			}
		}
	}
	return written
}

func (u *Uploader) dryRun(collection string, docs []model.Document) Report {
	u.logger.Info().
		Str("collection", collection).
		Int("documents", len(docs)).
		Str("sample_id", docs[0].ID).
		Interface("sample", docs[0].Fields).
		Msg("Dry run, nothing written")

	return Report{RecordsProcessed: len(docs)}
}
