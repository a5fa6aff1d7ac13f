// Package ratelimit throttles and retries calls to an upstream Querier.
//
// A Client enforces a minimum interval between the starts of consecutive
// calls made through it and retries throttling and transport failures with a
// fixed delay. Callers are delayed, never rejected: the blocking wait is the
// backpressure applied to the fetch pool. The interval state belongs to the
// Client instance, so independent pipelines each own their own Client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/retry"
	"github.com/Sternrassler/subgraph-backfill/pkg/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for throttled upstream calls.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_ratelimit_wait_seconds",
		Help:    "Time a call waited for the minimum interval",
		Buckets: []float64{0, 0.1, 0.5, 1, 2, 3, 5, 10},
	})

	rateLimitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_ratelimit_failures_total",
		Help: "Calls that still failed after all attempts, by error class",
	}, []string{"error_class"})
)

// Config holds the throttling and retry policy.
type Config struct {
	// MinInterval is the minimum time between the starts of two calls.
	MinInterval time.Duration

	// RetryDelay is the fixed wait before retrying a transient failure.
	RetryDelay time.Duration

	// MaxAttempts is the total number of attempts per call.
	MaxAttempts int

	// CallTimeout bounds one upstream attempt, not counting the wait for
	// the interval. An attempt that runs out of time is a transport failure
	// and is retried. Zero means no per-attempt timeout.
	CallTimeout time.Duration
}

// DefaultConfig returns the default policy: one call every 3s, up to 3
// attempts, 10s between attempts.
func DefaultConfig() Config {
	return Config{
		MinInterval: 3 * time.Second,
		RetryDelay:  10 * time.Second,
		MaxAttempts: 3,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must be >= 0 (got %s)", c.MinInterval)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be >= 0 (got %s)", c.RetryDelay)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must be >= 0 (got %s)", c.CallTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	return nil
}

// Client wraps an upstream Querier with throttling and retries. It is safe
// for concurrent use; concurrent callers share the interval.
type Client struct {
	next    upstream.Querier
	limiter *rate.Limiter
	config  Config
	logger  zerolog.Logger
}

// New creates a new throttled client around next.
func New(next upstream.Querier, cfg Config, logger zerolog.Logger) *Client {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Client{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
		config:  cfg,
		logger:  logger,
	}
}

// Query implements upstream.Querier. After the attempts run out the returned
// error still matches upstream.ErrRateLimited or upstream.ErrTransport.
func (c *Client) Query(ctx context.Context, start, end time.Time, pageSize int) ([]model.RawRecord, error) {
	var records []model.RawRecord

	policy := retry.Policy{
		Name:        "upstream",
		MaxAttempts: c.config.MaxAttempts,
		Delay:       retry.Fixed(c.config.RetryDelay),
		Retryable:   upstream.ShouldRetry,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("error_class", string(upstream.ClassOf(err))).
				Time("start", start).
				Time("end", end).
				Dur("backoff", wait).
				Msg("Retrying upstream call")
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		var err error
		records, err = c.call(ctx, start, end, pageSize)
		return err
	})
	if err != nil {
		if class := upstream.ClassOf(err); class != "" && errors.Is(err, retry.ErrExhausted) {
			rateLimitFailuresTotal.WithLabelValues(string(class)).Inc()
		}
		return nil, err
	}

	return records, nil
}

// call runs one attempt under CallTimeout. The timeout starts after the
// interval wait, so a long queue of callers never times out by itself.
func (c *Client) call(ctx context.Context, start, end time.Time, pageSize int) ([]model.RawRecord, error) {
	if c.config.CallTimeout <= 0 {
		return c.next.Query(ctx, start, end, pageSize)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	records, err := c.next.Query(callCtx, start, end, pageSize)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &upstream.Error{Class: upstream.ErrorClassTransport, Message: "call timeout", Err: err}
	}
	return records, err
}

// wait blocks until the minimum interval since the previous call start has
// elapsed. Only cancellation of ctx ends the wait early; a deadline further
// out than the queue is never reported as a failure up front.
func (c *Client) wait(ctx context.Context) error {
	r := c.limiter.Reserve()
	delay := r.Delay()
	rateLimitWaitSeconds.Observe(delay.Seconds())
	if delay <= 0 {
		return ctx.Err()
	}

	c.logger.Debug().Dur("wait", delay).Msg("Throttled upstream call")
	if err := retry.Sleep(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}
