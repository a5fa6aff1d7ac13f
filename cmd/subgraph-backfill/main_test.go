package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/subgraph-backfill/internal/config"
	"github.com/Sternrassler/subgraph-backfill/internal/testutil"
	"github.com/Sternrassler/subgraph-backfill/pkg/store/memory"
)

func TestLoadConfig_Flags(t *testing.T) {
	cfg, err := loadConfig([]string{
		"-dataset", "token-days",
		"-tokens", "0xAAA,0xbbb",
		"-start", "2024-01-01",
		"-end", "2024-03-01",
		"-granularity", "month",
		"-min-interval", "0s",
		"-pool-size", "2",
		"-dry-run",
		"-metrics-addr", "",
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	if cfg.Dataset != config.DatasetTokenDays {
		t.Errorf("Dataset = %q", cfg.Dataset)
	}
	if !reflect.DeepEqual(cfg.Tokens, []string{"0xAAA", "0xbbb"}) {
		t.Errorf("Tokens = %v", cfg.Tokens)
	}
	if cfg.RateLimit.MinInterval != 0 {
		t.Errorf("MinInterval = %v, flag set to 0 should win over the default", cfg.RateLimit.MinInterval)
	}
	if cfg.Fetch.PoolSize != 2 || !cfg.Upload.DryRun || cfg.MetricsAddr != "" {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset flags keep the defaults.
	if cfg.Upload.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want default 100", cfg.Upload.BatchSize)
	}
}

func TestLoadConfig_BadFlag(t *testing.T) {
	_, err := loadConfig([]string{"-no-such-flag"}, &bytes.Buffer{})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("loadConfig() = %v, want ErrInvalid", err)
	}
}

func TestJobs(t *testing.T) {
	cfg := config.Default()
	got := jobs(cfg)
	if len(got) != 1 || got[0].name != "swaps" {
		t.Errorf("swaps jobs = %+v", got)
	}

	cfg.Dataset = config.DatasetTokenDays
	cfg.Tokens = []string{"0xAAA", "0xbbb"}
	got = jobs(cfg)
	if len(got) != 2 {
		t.Fatalf("got %d token-days jobs, want 2", len(got))
	}
	if got[0].name != "token-days:0xaaa" || got[0].exportPrefix != "0xaaa_" {
		t.Errorf("job = %+v", got[0])
	}
}

func TestPipelineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Fetch.PoolSize = 4
	cfg.Fetch.ChunkSize = 6 * time.Hour
	cfg.Fetch.PageTimeout = 5 * time.Second
	cfg.Upload.BatchSize = 50
	cfg.TargetTokens = []string{"0xa"}

	pc := pipelineConfig(cfg)
	if pc.Scheduler.PoolSize != 4 || pc.Fetch.ChunkSize != 6*time.Hour || pc.Upload.BatchSize != 50 {
		t.Errorf("pipeline config = %+v", pc)
	}
	if pc.RateLimit.CallTimeout != 5*time.Second {
		t.Errorf("page timeout should bound each upstream attempt, got CallTimeout %v", pc.RateLimit.CallTimeout)
	}
	if pc.RateLimit.MinInterval != 3*time.Second || pc.RateLimit.MaxAttempts != 3 {
		t.Errorf("rate limit = %+v", pc.RateLimit)
	}
	if pc.Upload.ThrottleEvery != 10 {
		t.Errorf("upload pacing defaults lost: %+v", pc.Upload)
	}
	if err := pc.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6379")
	if err != nil || opts.Addr != "localhost:6379" {
		t.Errorf("bare addr: %+v, %v", opts, err)
	}

	opts, err = redisOptions("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Errorf("url opts = %+v", opts)
	}

	if _, err := redisOptions("redis://cache:6379/notanumber"); err == nil {
		t.Error("expected error for invalid db")
	}
}

func TestOpenStore(t *testing.T) {
	s, closeFn, err := openStore(context.Background(), config.StoreConfig{Driver: config.StoreMemory})
	if err != nil {
		t.Fatalf("openStore(memory) = %v", err)
	}
	defer closeFn()
	if _, ok := s.(*memory.DocumentStore); !ok {
		t.Errorf("store = %T, want *memory.DocumentStore", s)
	}

	_, _, err = openStore(context.Background(), config.StoreConfig{Driver: "firestore"})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("openStore(unknown) = %v, want ErrInvalid", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	err := run(context.Background(), []string{"-start", "2024-01-01"}, &bytes.Buffer{})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("run() = %v, want ErrInvalid", err)
	}
}

func TestRun_SwapsToCSV(t *testing.T) {
	mock := testutil.NewMockSubgraph()
	defer mock.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		mock.AddSwaps(testutil.Swap(
			"swap-"+string(rune('a'+i)),
			start.Add(time.Duration(i)*2*time.Hour).Unix(),
			"WETH", "USDC",
		))
	}

	dir := t.TempDir()
	logs := &syncBuffer{}
	err := run(context.Background(), []string{
		"-url", mock.URL(),
		"-start", "2024-01-01",
		"-end", "2024-01-02",
		"-granularity", "6h",
		"-collection", "token_swaps",
		"-min-interval", "0s",
		"-retry-delay", "0s",
		"-export-dir", dir,
		"-metrics-addr", "",
	}, logs)
	if err != nil {
		t.Fatalf("run() = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "token_swaps.csv"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 13 {
		t.Errorf("export has %d lines, want header plus 12", lines)
	}

	if mock.GetRequestCount() != 4 {
		t.Errorf("upstream requests = %d, want one per window", mock.GetRequestCount())
	}
	if !strings.Contains(logs.String(), `"records_uploaded":12`) {
		t.Errorf("summary log missing uploaded count: %s", logs.String())
	}
}

func TestRun_TokenDays(t *testing.T) {
	mock := testutil.NewMockSubgraph()
	defer mock.Close()

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 40; d++ {
		date := jan.AddDate(0, 0, d).Unix()
		mock.AddTokenDays(
			testutil.TokenDay("0xAAA", "AAA", date, "1.5"),
			testutil.TokenDay("0xBBB", "BBB", date, "2.5"),
		)
	}

	dir := t.TempDir()
	err := run(context.Background(), []string{
		"-url", mock.URL(),
		"-dataset", "token-days",
		"-tokens", "0xAAA",
		"-start", "2024-01-01",
		"-end", "2024-02-01",
		"-granularity", "month",
		"-collection", "token_day_data",
		"-min-interval", "0s",
		"-export-dir", dir,
		"-metrics-addr", "",
	}, &syncBuffer{})
	if err != nil {
		t.Fatalf("run() = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "0xaaa_token_day_data.csv"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 32 {
		t.Errorf("export has %d lines, want header plus 31 days", lines)
	}
	if strings.Contains(string(data), "BBB") {
		t.Error("export contains another token's data")
	}
}

// syncBuffer guards a bytes.Buffer; workers log concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
