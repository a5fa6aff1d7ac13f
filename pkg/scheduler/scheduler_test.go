package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/rs/zerolog"
)

type fakeFetcher struct {
	delay   func(w model.TimeWindow) time.Duration
	failAt  map[int64]bool
	started atomic.Int32

	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, w model.TimeWindow) model.FetchOutcome {
	f.started.Add(1)
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(w)):
		case <-ctx.Done():
			return model.FetchOutcome{Window: w}
		}
	}

	// Two records per window, one lost when the window fails.
	out := model.FetchOutcome{Window: w, OK: true}
	out.Records = append(out.Records, &model.RawSwap{ID: fmt.Sprintf("%d-a", w.Start.Unix())})
	if f.failAt[w.Start.Unix()] {
		out.OK = false
		out.Failures = 1
		return out
	}
	out.Records = append(out.Records, &model.RawSwap{ID: fmt.Sprintf("%d-b", w.Start.Unix())})
	return out
}

func windows(n int) []model.TimeWindow {
	out := make([]model.TimeWindow, n)
	for i := range out {
		out[i] = model.TimeWindow{
			Start: time.Unix(int64(i*100), 0),
			End:   time.Unix(int64((i+1)*100), 0),
		}
	}
	return out
}

func TestScheduler_CollectsAllRecords(t *testing.T) {
	f := &fakeFetcher{
		delay: func(w model.TimeWindow) time.Duration {
			// Later windows finish first.
			return time.Duration(20-w.Start.Unix()/100) * time.Millisecond
		},
	}
	s := New(f, Config{PoolSize: 4}, zerolog.Nop())

	result := s.Run(context.Background(), windows(20))

	if len(result.Records) != 40 {
		t.Errorf("got %d records, want 40", len(result.Records))
	}
	if result.Completed != 20 || result.FailedWindows() != 0 {
		t.Errorf("Completed = %d, FailedWindows = %d", result.Completed, result.FailedWindows())
	}
	seen := map[string]bool{}
	for _, r := range result.Records {
		if seen[r.RecordID()] {
			t.Errorf("duplicate record %s", r.RecordID())
		}
		seen[r.RecordID()] = true
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	tests := []struct {
		name     string
		poolSize int
		windows  int
	}{
		{"pool of 1", 1, 5},
		{"pool of 3", 3, 20},
		{"pool of 6", 6, 30},
		{"pool larger than work", 10, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{delay: func(model.TimeWindow) time.Duration { return 5 * time.Millisecond }}
			s := New(f, Config{PoolSize: tt.poolSize}, zerolog.Nop())

			result := s.Run(context.Background(), windows(tt.windows))

			if f.maxSeen > tt.poolSize {
				t.Errorf("max concurrent fetches = %d, want <= %d", f.maxSeen, tt.poolSize)
			}
			if result.Completed != tt.windows {
				t.Errorf("Completed = %d, want %d", result.Completed, tt.windows)
			}
		})
	}
}

func TestScheduler_FailureIsolation(t *testing.T) {
	f := &fakeFetcher{failAt: map[int64]bool{500: true}}
	s := New(f, Config{PoolSize: 3}, zerolog.Nop())

	result := s.Run(context.Background(), windows(10))

	if len(result.Failed) != 1 || result.Failed[0].Start.Unix() != 500 {
		t.Errorf("Failed = %v, want the window starting at 500", result.Failed)
	}
	if result.SubrangeFailures != 1 {
		t.Errorf("SubrangeFailures = %d, want 1", result.SubrangeFailures)
	}
	// 9 healthy windows with 2 records each, plus the partial record of the
	// failed window.
	if len(result.Records) != 19 {
		t.Errorf("got %d records, want 19", len(result.Records))
	}

	perWindow := map[int64]int{}
	for _, r := range result.Records {
		var start int64
		var suffix string
		fmt.Sscanf(r.RecordID(), "%d-%s", &start, &suffix)
		perWindow[start]++
	}
	for start, n := range perWindow {
		if start != 500 && n != 2 {
			t.Errorf("window %d contributed %d records, want 2", start, n)
		}
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{delay: func(model.TimeWindow) time.Duration { return 20 * time.Millisecond }}
	s := New(f, Config{PoolSize: 2}, zerolog.Nop())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	done := make(chan Result)
	go func() { done <- s.Run(ctx, windows(50)) }()

	var result Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if got := int(f.started.Load()); got >= 50 {
		t.Errorf("started %d windows, want fewer than 50 after cancellation", got)
	}
	if len(result.Skipped) == 0 {
		t.Error("expected skipped windows")
	}
	if total := result.Completed + len(result.Failed) + len(result.Skipped); total != 50 {
		t.Errorf("completed+failed+skipped = %d, want 50", total)
	}
	if result.Completed == 0 || len(result.Records) < 2*result.Completed {
		t.Errorf("completed windows' records must be kept: completed=%d records=%d", result.Completed, len(result.Records))
	}
}

func TestScheduler_Empty(t *testing.T) {
	s := New(&fakeFetcher{}, DefaultConfig(), zerolog.Nop())
	result := s.Run(context.Background(), nil)
	if result.Windows != 0 || len(result.Records) != 0 {
		t.Errorf("unexpected result for empty plan: %+v", result)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(&fakeFetcher{}, Config{}, zerolog.Nop())
	if s.config.PoolSize != 6 {
		t.Errorf("PoolSize = %d, want 6", s.config.PoolSize)
	}
}
