// Package retry provides the backoff loop shared by the fetch and upload
// paths. A Policy decides how many attempts are made, how long to wait
// between them and which errors are worth another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_retries_total",
		Help: "Total number of retry attempts by policy",
	}, []string{"policy"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backfill_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by policy",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"policy"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_retry_exhausted_total",
		Help: "Total number of times all attempts were used up by policy",
	}, []string{"policy"})
)

// ErrExhausted is returned (wrapped together with the last error) when every
// attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// DelayFunc returns the wait after the given failed attempt. Attempts are
// counted from zero.
type DelayFunc func(attempt int) time.Duration

// Fixed waits the same duration after every failure.
func Fixed(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// ExponentialJitter waits base*2^attempt plus a random jitter in
// [0, maxJitter).
func ExponentialJitter(base, maxJitter time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
		if maxJitter > 0 {
			d += time.Duration(rand.Int63n(int64(maxJitter)))
		}
		return d
	}
}

// Policy configures Do.
type Policy struct {
	// Name labels metrics and log lines.
	Name string

	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int

	// Delay computes the wait between attempts. Nil means no wait.
	Delay DelayFunc

	// Retryable reports whether an error deserves another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is cancelled during a wait. A non-retryable error is returned
// unchanged; running out of attempts returns ErrExhausted wrapping the last
// error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		lastErr   error
		attempt   int
		permanent bool
	)
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(p.Name).Inc()
		retryBackoffSeconds.WithLabelValues(p.Name).Observe(wait.Seconds())
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&delayBackOff{delay: p.Delay}, uint64(attempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(operation, b, notify)
	switch {
	case err == nil:
		if attempt > 1 {
			log.Debug().
				Str("policy", p.Name).
				Int("attempt", attempt).
				Msg("Call succeeded after retry")
		}
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		if lastErr == nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
	}

	retryExhaustedTotal.WithLabelValues(p.Name).Inc()
	log.Debug().
		Str("policy", p.Name).
		Int("max_attempts", attempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)
}

// delayBackOff adapts a DelayFunc to backoff.BackOff.
type delayBackOff struct {
	delay   DelayFunc
	attempt int
}

func (b *delayBackOff) NextBackOff() time.Duration {
	var d time.Duration
	if b.delay != nil {
		d = b.delay(b.attempt)
	}
	b.attempt++
	if d < 0 {
		return 0
	}
	return d
}

func (b *delayBackOff) Reset() { b.attempt = 0 }

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
