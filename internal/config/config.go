// Package config loads the backfill configuration. Sources are applied in
// order, later ones winning: defaults, a YAML file, a .env file, environment
// variables. The command line applies its flags last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/upstream"
	"github.com/Sternrassler/subgraph-backfill/pkg/window"
)

// Datasets.
const (
	DatasetSwaps     = "swaps"
	DatasetTokenDays = "token-days"
)

// Store drivers.
const (
	StoreMemory     = "memory"
	StoreRedis      = "redis"
	StorePostgres   = "postgres"
	StoreClickHouse = "clickhouse"
)

// DateLayout is accepted for range bounds besides RFC 3339.
const DateLayout = "2006-01-02"

// ErrInvalid marks a configuration that cannot run.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete backfill configuration.
type Config struct {
	Dataset     string   `yaml:"dataset"`
	Start       string   `yaml:"start"`
	End         string   `yaml:"end"`
	Granularity string   `yaml:"granularity"`
	Collection  string   `yaml:"collection"`
	Tokens      []string `yaml:"tokens"`

	// TargetTokens restricts swaps to those touching one of these addresses.
	TargetTokens []string `yaml:"target_tokens"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Upload    UploadConfig    `yaml:"upload"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`

	ExportDir   string `yaml:"export_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// UpstreamConfig locates the subgraph. URL wins over the gateway triple.
type UpstreamConfig struct {
	URL        string        `yaml:"url"`
	Gateway    string        `yaml:"gateway"`
	APIKey     string        `yaml:"api_key"`
	SubgraphID string        `yaml:"subgraph_id"`
	UserAgent  string        `yaml:"user_agent"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Endpoint returns the GraphQL endpoint.
func (u UpstreamConfig) Endpoint() string {
	if u.URL != "" {
		return u.URL
	}
	if u.APIKey == "" || u.SubgraphID == "" {
		return ""
	}
	return upstream.GatewayURL(u.Gateway, u.APIKey, u.SubgraphID)
}

// RateLimitConfig configures the throttled client.
type RateLimitConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// FetchConfig configures windows and paging.
type FetchConfig struct {
	PageSize    int           `yaml:"page_size"`
	ChunkSize   time.Duration `yaml:"chunk_size"`
	// PageTimeout bounds one upstream page request, excluding the wait
	// for the rate limit interval.
	PageTimeout time.Duration `yaml:"page_timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

// UploadConfig configures the uploader.
type UploadConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	DryRun      bool          `yaml:"dry_run"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Prefix  string `yaml:"prefix"`
	Migrate bool   `yaml:"migrate"`
}

// CacheConfig configures the optional Redis response cache.
type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	Settle    time.Duration `yaml:"settle"`
}

// Enabled reports whether the cache is configured.
func (c CacheConfig) Enabled() bool { return c.RedisAddr != "" }

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Default returns the defaults: 6h swap windows, a 3s call interval, six
// workers, batches of 100 and an in-memory store.
func Default() Config {
	return Config{
		Dataset:     DatasetSwaps,
		Granularity: "6h",
		Collection:  "token_swaps",
		Upstream: UpstreamConfig{
			Gateway:   upstream.DefaultGateway,
			UserAgent: "subgraph-backfill/0.1.0",
			Timeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MinInterval: 3 * time.Second,
			RetryDelay:  10 * time.Second,
			MaxAttempts: 3,
		},
		Fetch: FetchConfig{
			PageSize: 1000,
			PoolSize: 6,
		},
		Upload: UploadConfig{
			BatchSize:   100,
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			Prefix: "backfill",
		},
		Cache: CacheConfig{
			TTL:    24 * time.Hour,
			Settle: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty), a .env file in the working directory (if present) and
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	// A missing .env is not an error. Variables already set win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from BACKFILL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = SplitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("BACKFILL_DATASET", &c.Dataset)
	str("BACKFILL_START", &c.Start)
	str("BACKFILL_END", &c.End)
	str("BACKFILL_GRANULARITY", &c.Granularity)
	str("BACKFILL_COLLECTION", &c.Collection)
	list("BACKFILL_TOKENS", &c.Tokens)
	list("BACKFILL_TARGET_TOKENS", &c.TargetTokens)

	str("SUBGRAPH_URL", &c.Upstream.URL)
	str("GRAPH_GATEWAY", &c.Upstream.Gateway)
	str("GRAPH_API_KEY", &c.Upstream.APIKey)
	str("SUBGRAPH_ID", &c.Upstream.SubgraphID)
	str("USER_AGENT", &c.Upstream.UserAgent)
	duration("BACKFILL_HTTP_TIMEOUT", &c.Upstream.Timeout)

	duration("BACKFILL_MIN_INTERVAL", &c.RateLimit.MinInterval)
	duration("BACKFILL_RETRY_DELAY", &c.RateLimit.RetryDelay)
	integer("BACKFILL_MAX_ATTEMPTS", &c.RateLimit.MaxAttempts)

	integer("BACKFILL_PAGE_SIZE", &c.Fetch.PageSize)
	duration("BACKFILL_CHUNK_SIZE", &c.Fetch.ChunkSize)
	duration("BACKFILL_PAGE_TIMEOUT", &c.Fetch.PageTimeout)
	integer("BACKFILL_POOL_SIZE", &c.Fetch.PoolSize)

	integer("BACKFILL_BATCH_SIZE", &c.Upload.BatchSize)
	integer("BACKFILL_UPLOAD_ATTEMPTS", &c.Upload.MaxAttempts)
	duration("BACKFILL_UPLOAD_BASE_DELAY", &c.Upload.BaseDelay)
	boolean("BACKFILL_DRY_RUN", &c.Upload.DryRun)

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_PREFIX", &c.Store.Prefix)
	boolean("STORE_MIGRATE", &c.Store.Migrate)

	str("CACHE_REDIS_ADDR", &c.Cache.RedisAddr)
	duration("CACHE_TTL", &c.Cache.TTL)
	duration("CACHE_SETTLE", &c.Cache.Settle)

	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_PRETTY", &c.Log.Pretty)
	str("LOG_FILE", &c.Log.File)

	str("BACKFILL_EXPORT_DIR", &c.ExportDir)
	str("METRICS_ADDR", &c.MetricsAddr)

	return errors.Join(errs...)
}

// SplitList splits a comma separated list and drops blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Range parses Start and End.
func (c Config) Range() (model.TimeWindow, error) {
	start, err := ParseTime(c.Start)
	if err != nil {
		return model.TimeWindow{}, fmt.Errorf("start: %w", err)
	}
	end, err := ParseTime(c.End)
	if err != nil {
		return model.TimeWindow{}, fmt.Errorf("end: %w", err)
	}
	return model.TimeWindow{Start: start, End: end}, nil
}

// ParseTime accepts RFC 3339 timestamps and plain dates, both read as UTC
// when no offset is given.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: want %s or RFC 3339", s, DateLayout)
	}
	return t, nil
}

// Validate checks everything that can be checked without network access.
func (c Config) Validate() error {
	var errs []error

	switch c.Dataset {
	case DatasetSwaps:
	case DatasetTokenDays:
		if len(c.Tokens) == 0 {
			errs = append(errs, errors.New("token-days needs at least one token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dataset %q", c.Dataset))
	}

	if _, err := c.Range(); err != nil {
		errs = append(errs, err)
	}
	if _, err := window.ParseGranularity(c.Granularity); err != nil {
		errs = append(errs, err)
	}
	if c.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	if c.Upstream.Endpoint() == "" {
		errs = append(errs, errors.New("upstream needs a url or an api key and subgraph id"))
	}

	if c.RateLimit.MinInterval < 0 || c.RateLimit.RetryDelay < 0 {
		errs = append(errs, errors.New("rate limit durations must not be negative"))
	}
	if c.RateLimit.MaxAttempts < 1 {
		errs = append(errs, errors.New("rate limit max attempts must be at least 1"))
	}
	if c.Fetch.ChunkSize < 0 || c.Fetch.PageTimeout < 0 {
		errs = append(errs, errors.New("fetch durations must not be negative"))
	}
	if c.Fetch.PageSize < 1 {
		errs = append(errs, errors.New("page size must be at least 1"))
	}
	if c.Fetch.PoolSize < 1 {
		errs = append(errs, errors.New("pool size must be at least 1"))
	}
	if c.Upload.BatchSize < 1 {
		errs = append(errs, errors.New("batch size must be at least 1"))
	}
	if c.Upload.MaxAttempts < 1 {
		errs = append(errs, errors.New("upload max attempts must be at least 1"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis, StorePostgres, StoreClickHouse:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store %s needs a dsn", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
