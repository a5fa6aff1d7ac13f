// Command subgraph-backfill pulls a historical time range from a subgraph
// and upserts the normalized records into a document store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/subgraph-backfill/internal/config"
	"github.com/Sternrassler/subgraph-backfill/pkg/cache"
	"github.com/Sternrassler/subgraph-backfill/pkg/export"
	"github.com/Sternrassler/subgraph-backfill/pkg/fetch"
	"github.com/Sternrassler/subgraph-backfill/pkg/logging"
	"github.com/Sternrassler/subgraph-backfill/pkg/metrics"
	"github.com/Sternrassler/subgraph-backfill/pkg/pipeline"
	"github.com/Sternrassler/subgraph-backfill/pkg/ratelimit"
	"github.com/Sternrassler/subgraph-backfill/pkg/scheduler"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
	"github.com/Sternrassler/subgraph-backfill/pkg/store/clickhouse"
	"github.com/Sternrassler/subgraph-backfill/pkg/store/memory"
	"github.com/Sternrassler/subgraph-backfill/pkg/store/postgres"
	"github.com/Sternrassler/subgraph-backfill/pkg/store/redisstore"
	"github.com/Sternrassler/subgraph-backfill/pkg/upload"
	"github.com/Sternrassler/subgraph-backfill/pkg/upstream"
	"github.com/Sternrassler/subgraph-backfill/pkg/window"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "subgraph-backfill: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration and runs one backfill job per dataset target.
// It returns an error only for fatal conditions.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logCfg.Output = stderr
	logCfg.File = cfg.Log.File
	_, logCloser := logging.Setup(logCfg)
	defer logCloser.Close()

	logger := logging.NewLogger("backfill")

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	go func() {
		if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
			logger.Warn().Err(err).Msg("Metrics server stopped")
		}
	}()

	docStore, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrStoreUnavailable, err)
	}
	defer closeStore()

	graphCfg := upstream.DefaultGraphConfig(cfg.Upstream.Endpoint())
	graphCfg.SubgraphID = cfg.Upstream.SubgraphID
	graphCfg.UserAgent = cfg.Upstream.UserAgent
	graphCfg.Timeout = cfg.Upstream.Timeout
	graphCfg.CacheTTL = cfg.Cache.TTL
	graphCfg.CacheSettle = cfg.Cache.Settle
	if cfg.Cache.Enabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("Response cache unavailable, continuing without it")
		} else {
			graphCfg.Cache = cache.NewManager(redisClient)
		}
	}
	graph, err := upstream.NewGraphClient(graphCfg)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	rng, err := cfg.Range()
	if err != nil {
		return err
	}
	granularity, err := window.ParseGranularity(cfg.Granularity)
	if err != nil {
		return err
	}

	pipeCfg := pipelineConfig(cfg)

	var total pipeline.Report
	for _, j := range jobs(cfg) {
		if ctx.Err() != nil {
			logger.Warn().Str("job", j.name).Msg("Cancelled, skipping remaining jobs")
			break
		}

		var sinks []pipeline.Sink
		if cfg.ExportDir != "" {
			sinks = append(sinks, export.CSVSink{
				Dir:    cfg.ExportDir,
				Prefix: j.exportPrefix,
				Logger: logger.With().Str("component", "export").Logger(),
			})
		}

		jobLogger := logger.With().Str("job", j.name).Logger()
		p := pipeline.New(graph.Querier(j.dataset), docStore, pipeCfg, jobLogger, sinks...)

		report, err := p.Run(ctx, rng, granularity, cfg.Collection)
		if err != nil {
			return err
		}
		accumulate(&total, report)
	}

	logger.Info().
		Str("collection", cfg.Collection).
		Int("records_fetched", total.RecordsFetched).
		Int("records_uploaded", total.RecordsUploaded).
		Int("failed_windows", total.FailedWindows).
		Int("failed_batches", total.FailedBatches).
		Int("records_failed", total.Upload.RecordsFailed).
		Bool("cancelled", total.Cancelled).
		Msg("Backfill summary")

	return nil
}

type job struct {
	name         string
	dataset      upstream.Dataset
	exportPrefix string
}

// jobs expands the configured dataset into one job per upstream target.
func jobs(cfg config.Config) []job {
	if cfg.Dataset == config.DatasetTokenDays {
		out := make([]job, 0, len(cfg.Tokens))
		for _, token := range cfg.Tokens {
			ds := upstream.TokenDays(token)
			out = append(out, job{
				name:         ds.Name(),
				dataset:      ds,
				exportPrefix: strings.ToLower(token) + "_",
			})
		}
		return out
	}
	return []job{{name: "swaps", dataset: upstream.Swaps()}}
}

func accumulate(total *pipeline.Report, r pipeline.Report) {
	total.Windows += r.Windows
	total.RecordsFetched += r.RecordsFetched
	total.RecordsFiltered += r.RecordsFiltered
	total.RecordsUploaded += r.RecordsUploaded
	total.FailedWindows += r.FailedWindows
	total.SubrangeFailures += r.SubrangeFailures
	total.FailedBatches += r.FailedBatches
	total.SinkErrors += r.SinkErrors
	total.Cancelled = total.Cancelled || r.Cancelled
	total.Upload.Add(r.Upload)
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	up := upload.DefaultConfig()
	up.BatchSize = cfg.Upload.BatchSize
	up.MaxAttempts = cfg.Upload.MaxAttempts
	up.BaseDelay = cfg.Upload.BaseDelay
	up.DryRun = cfg.Upload.DryRun

	return pipeline.Config{
		RateLimit: ratelimit.Config{
			MinInterval: cfg.RateLimit.MinInterval,
			RetryDelay:  cfg.RateLimit.RetryDelay,
			MaxAttempts: cfg.RateLimit.MaxAttempts,
			CallTimeout: cfg.Fetch.PageTimeout,
		},
		Fetch: fetch.Config{
			PageSize:  cfg.Fetch.PageSize,
			ChunkSize: cfg.Fetch.ChunkSize,
		},
		Scheduler: scheduler.Config{
			PoolSize:      cfg.Fetch.PoolSize,
			ProgressEvery: scheduler.DefaultConfig().ProgressEvery,
		},
		Upload:       up,
		TargetTokens: cfg.TargetTokens,
	}
}

// openStore connects to the configured document store. The returned func
// releases it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.DocumentStore, func(), error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		return memory.NewDocumentStore(), func() {}, nil

	case config.StoreRedis:
		opts, err := redisOptions(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return redisstore.NewDocumentStore(client, cfg.Prefix), func() { client.Close() }, nil

	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return postgres.NewDocumentStore(pool), pool.Close, nil

	case config.StoreClickHouse:
		conn, err := clickhouse.NewConn(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := clickhouse.Migrate(ctx, conn); err != nil {
				conn.Close()
				return nil, nil, err
			}
		}
		return clickhouse.NewDocumentStore(conn), func() { conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalid, cfg.Driver)
	}
}

// redisOptions accepts redis:// URLs and bare host:port addresses.
func redisOptions(dsn string) (*redis.Options, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: dsn}, nil
}

// loadConfig reads the configuration file named by -config (or
// BACKFILL_CONFIG), the environment, and then the flags that were set.
func loadConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("subgraph-backfill", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", getEnv("BACKFILL_CONFIG", ""), "YAML configuration file")
	dataset := fs.String("dataset", "", "dataset to backfill: swaps or token-days")
	start := fs.String("start", "", "range start (YYYY-MM-DD or RFC 3339)")
	end := fs.String("end", "", "range end, exclusive")
	granularity := fs.String("granularity", "", "window size: month or a duration such as 6h")
	collection := fs.String("collection", "", "target collection")
	tokens := fs.String("tokens", "", "comma separated token addresses for token-days")
	targets := fs.String("target-tokens", "", "comma separated token addresses swaps must touch")
	url := fs.String("url", "", "GraphQL endpoint, overrides the gateway settings")
	minInterval := fs.Duration("min-interval", 0, "minimum time between upstream calls")
	retryDelay := fs.Duration("retry-delay", 0, "wait before retrying a throttled or failed call")
	pageSize := fs.Int("page-size", 0, "records per upstream call")
	chunkSize := fs.Duration("chunk-size", 0, "split windows into sub-ranges of this size")
	poolSize := fs.Int("pool-size", 0, "windows fetched concurrently")
	batchSize := fs.Int("batch-size", 0, "documents per store commit")
	storeDriver := fs.String("store", "", "document store: memory, redis, postgres or clickhouse")
	dsn := fs.String("dsn", "", "document store connection string")
	migrate := fs.Bool("migrate", false, "apply store migrations before running")
	dryRun := fs.Bool("dry-run", false, "log a sample document instead of uploading")
	exportDir := fs.String("export-dir", "", "also write CSV files to this directory")
	metricsAddr := fs.String("metrics-addr", "", "address for /metrics and /health such as :9090, empty disables")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	pretty := fs.Bool("pretty", false, "human readable logs")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataset":
			cfg.Dataset = *dataset
		case "start":
			cfg.Start = *start
		case "end":
			cfg.End = *end
		case "granularity":
			cfg.Granularity = *granularity
		case "collection":
			cfg.Collection = *collection
		case "tokens":
			cfg.Tokens = config.SplitList(*tokens)
		case "target-tokens":
			cfg.TargetTokens = config.SplitList(*targets)
		case "url":
			cfg.Upstream.URL = *url
		case "min-interval":
			cfg.RateLimit.MinInterval = *minInterval
		case "retry-delay":
			cfg.RateLimit.RetryDelay = *retryDelay
		case "page-size":
			cfg.Fetch.PageSize = *pageSize
		case "chunk-size":
			cfg.Fetch.ChunkSize = *chunkSize
		case "pool-size":
			cfg.Fetch.PoolSize = *poolSize
		case "batch-size":
			cfg.Upload.BatchSize = *batchSize
		case "store":
			cfg.Store.Driver = *storeDriver
		case "dsn":
			cfg.Store.DSN = *dsn
		case "migrate":
			cfg.Store.Migrate = *migrate
		case "dry-run":
			cfg.Upload.DryRun = *dryRun
		case "export-dir":
			cfg.ExportDir = *exportDir
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		case "pretty":
			cfg.Log.Pretty = *pretty
		}
	})

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
