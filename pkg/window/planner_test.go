package window

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

func assertCovers(t *testing.T, windows []model.TimeWindow, start, end time.Time) {
	t.Helper()

	if len(windows) == 0 {
		t.Fatal("expected at least one window")
	}
	if !windows[0].Start.Equal(start) {
		t.Errorf("first window starts at %v, want %v", windows[0].Start, start)
	}
	if !windows[len(windows)-1].End.Equal(end) {
		t.Errorf("last window ends at %v, want %v", windows[len(windows)-1].End, end)
	}
	for i, w := range windows {
		if !w.Valid() {
			t.Errorf("window %d %v is empty or inverted", i, w)
		}
		if w.Start.Before(start) || w.End.After(end) {
			t.Errorf("window %d %v lies outside the range", i, w)
		}
		if i > 0 && !windows[i-1].End.Equal(w.Start) {
			t.Errorf("gap or overlap between window %d and %d", i-1, i)
		}
	}
}

func TestPlan_SixHourWindowsOverMonth(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	windows, err := Plan(start, end, Fixed(6*time.Hour))
	if err != nil {
		t.Fatalf("Plan error = %v", err)
	}

	if len(windows) != 124 {
		t.Fatalf("got %d windows, want 124", len(windows))
	}
	for i, w := range windows[:len(windows)-1] {
		if w.Duration() != 6*time.Hour {
			t.Errorf("window %d lasts %v, want 6h", i, w.Duration())
		}
	}
	assertCovers(t, windows, start, end)
}

func TestPlan_LastWindowClipped(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(13 * time.Hour)

	windows, err := Plan(start, end, Fixed(6*time.Hour))
	if err != nil {
		t.Fatalf("Plan error = %v", err)
	}

	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
	if windows[2].Duration() != time.Hour {
		t.Errorf("last window lasts %v, want 1h", windows[2].Duration())
	}
	assertCovers(t, windows, start, end)
}

func TestPlan_EmptyRange(t *testing.T) {
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		end  time.Time
	}{
		{name: "equal bounds", end: start},
		{name: "inverted bounds", end: start.Add(-time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows, err := Plan(start, tt.end, Fixed(time.Hour))
			if err != nil {
				t.Errorf("Plan error = %v, want nil", err)
			}
			if len(windows) != 0 {
				t.Errorf("got %d windows, want 0", len(windows))
			}
		})
	}
}

func TestPlan_Monthly(t *testing.T) {
	start := time.Date(2023, time.November, 15, 12, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)

	windows, err := Plan(start, end, Monthly())
	if err != nil {
		t.Fatalf("Plan error = %v", err)
	}

	want := []model.TimeWindow{
		{Start: start, End: time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC)},
		{Start: time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)},
		{Start: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), End: end},
	}

	if len(windows) != len(want) {
		t.Fatalf("got %d windows, want %d: %v", len(windows), len(want), windows)
	}
	for i := range want {
		if !windows[i].Start.Equal(want[i].Start) || !windows[i].End.Equal(want[i].End) {
			t.Errorf("window %d = %v, want %v", i, windows[i], want[i])
		}
	}
	assertCovers(t, windows, start, end)
}

func TestMonthly_NextFromLateDays(t *testing.T) {
	tests := []struct {
		from time.Time
		want time.Time
	}{
		{time.Date(2024, time.January, 31, 23, 0, 0, 0, time.UTC), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2023, time.February, 28, 0, 0, 0, 0, time.UTC), time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, time.December, 30, 0, 0, 0, 0, time.UTC), time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		if got := Monthly().Next(tt.from); !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestPlan_RandomRangesCoverExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	granularities := []Granularity{Fixed(time.Hour), Fixed(6 * time.Hour), Fixed(97 * time.Minute), Monthly()}

	for i := 0; i < 200; i++ {
		start := base.Add(time.Duration(rng.Int63n(int64(400 * 24 * time.Hour))))
		end := start.Add(time.Duration(rng.Int63n(int64(90*24*time.Hour))) + time.Second)
		g := granularities[i%len(granularities)]

		windows, err := Plan(start, end, g)
		if err != nil {
			t.Fatalf("Plan(%v, %v, %s) error = %v", start, end, g, err)
		}
		assertCovers(t, windows, start, end)
	}
}

func TestPlan_InvalidGranularity(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	if _, err := Plan(start, end, nil); !errors.Is(err, ErrInvalidGranularity) {
		t.Errorf("nil granularity error = %v", err)
	}
	if _, err := Plan(start, end, Fixed(0)); !errors.Is(err, ErrInvalidGranularity) {
		t.Errorf("zero granularity error = %v", err)
	}
}

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "month", want: "month"},
		{input: "Monthly", want: "month"},
		{input: "6h", want: "6h0m0s"},
		{input: "30m", want: "30m0s"},
		{input: "-1h", wantErr: true},
		{input: "weekly", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			g, err := ParseGranularity(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGranularity) {
					t.Errorf("ParseGranularity(%q) error = %v, want ErrInvalidGranularity", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGranularity(%q) error = %v", tt.input, err)
			}
			if g.String() != tt.want {
				t.Errorf("ParseGranularity(%q) = %s, want %s", tt.input, g, tt.want)
			}
		})
	}
}
