// Package metrics exposes the backfill's Prometheus metrics over HTTP.
// Metrics are declared with promauto in the packages that record them; this
// package serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registry every package registers into via promauto.
var Registry = prometheus.DefaultRegisterer

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
// An empty addr disables the server.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Upstream (pkg/upstream):
//   - backfill_upstream_requests_total{dataset, status} (Counter)
//   - backfill_upstream_request_duration_seconds{dataset} (Histogram)
//   - backfill_upstream_errors_total{class} (Counter): rate_limit, transport, malformed, client
//
// Rate limit (pkg/ratelimit):
//   - backfill_ratelimit_wait_seconds (Histogram): time spent waiting for the call interval
//   - backfill_ratelimit_failures_total{error_class} (Counter): calls failed after all attempts
//
// Retry (pkg/retry):
//   - backfill_retries_total{policy} (Counter)
//   - backfill_retry_backoff_seconds{policy} (Histogram)
//   - backfill_retry_exhausted_total{policy} (Counter)
//
// Cache (pkg/cache):
//   - backfill_cache_lookups_total{dataset,result} (Counter)
//   - backfill_cache_stored_bytes_total{dataset} (Counter)
//   - backfill_cache_errors_total{operation} (Counter)
//
// Fetch (pkg/fetch, pkg/scheduler):
//   - backfill_fetch_pages_total, backfill_fetch_records_total (Counter)
//   - backfill_fetch_skipped_subranges_total{error_class} (Counter)
//   - backfill_windows_total{status} (Counter): ok, failed, skipped
//   - backfill_scheduler_workers_busy (Gauge)
//
// Upload (pkg/upload):
//   - backfill_upload_batches_total{status} (Counter): committed, fallback, failed
//   - backfill_upload_documents_total{status} (Counter): written, failed
//   - backfill_upload_commit_duration_seconds (Histogram)
//
// Pipeline (pkg/pipeline):
//   - backfill_pipeline_runs_total{status} (Counter): completed, partial, cancelled, invalid
//   - backfill_pipeline_run_duration_seconds (Histogram)
//
// Example Prometheus Queries:
//
//   # Share of batches that needed per-document fallback
//   sum(rate(backfill_upload_batches_total{status="fallback"}[1h])) /
//   sum(rate(backfill_upload_batches_total[1h]))
//
//   # Upstream throttling
//   rate(backfill_upstream_errors_total{class="rate_limit"}[5m])
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(backfill_upstream_request_duration_seconds_bucket[5m]))
