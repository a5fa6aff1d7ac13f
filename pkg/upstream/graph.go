package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/cache"
	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for subgraph requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_upstream_requests_total",
		Help: "Total subgraph requests by dataset and status",
	}, []string{"dataset", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backfill_upstream_request_duration_seconds",
		Help:    "Subgraph request duration in seconds by dataset",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"dataset"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_upstream_errors_total",
		Help: "Total subgraph errors by class",
	}, []string{"class"})
)

// DefaultGateway is The Graph's hosted gateway.
const DefaultGateway = "https://gateway.thegraph.com"

// GatewayURL builds the query URL for a subgraph deployment behind a
// gateway.
func GatewayURL(gateway, apiKey, subgraphID string) string {
	return fmt.Sprintf("%s/api/%s/subgraphs/id/%s", strings.TrimRight(gateway, "/"), apiKey, subgraphID)
}

// GraphConfig holds the GraphQL client configuration.
type GraphConfig struct {
	// URL is the full GraphQL endpoint.
	URL string

	// SubgraphID scopes cache keys.
	SubgraphID string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds one HTTP round trip.
	Timeout time.Duration

	// Cache stores pages of settled windows. Nil disables caching.
	Cache *cache.Manager

	// CacheTTL is how long a page stays cached.
	CacheTTL time.Duration

	// CacheSettle is how long a window must have been closed before its
	// pages are cached.
	CacheSettle time.Duration
}

// DefaultGraphConfig returns a configuration for the given endpoint.
func DefaultGraphConfig(url string) GraphConfig {
	return GraphConfig{
		URL:         url,
		UserAgent:   "subgraph-backfill/1.0",
		Timeout:     30 * time.Second,
		CacheTTL:    24 * time.Hour,
		CacheSettle: time.Hour,
	}
}

// GraphClient executes paginated GraphQL queries against a subgraph. It does
// not throttle or retry; wrap its queriers in a ratelimit.Client.
type GraphClient struct {
	httpClient *http.Client
	config     GraphConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// NewGraphClient creates a new GraphQL client.
func NewGraphClient(cfg GraphConfig) (*GraphClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("graphql url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &GraphClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     log.With().Str("component", "subgraph-client").Logger(),
		now:        time.Now,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *GraphClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Querier binds the client to one dataset.
func (c *GraphClient) Querier(ds Dataset) Querier {
	return QuerierFunc(func(ctx context.Context, start, end time.Time, pageSize int) ([]model.RawRecord, error) {
		return c.Query(ctx, ds, start, end, pageSize)
	})
}

type graphRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query fetches one page of ds in [start, end).
func (c *GraphClient) Query(ctx context.Context, ds Dataset, start, end time.Time, pageSize int) ([]model.RawRecord, error) {
	vars := ds.Variables(start, end, pageSize)

	useCache := c.config.Cache != nil && cache.Cacheable(end, c.now(), c.config.CacheSettle)
	var key cache.Key
	if useCache {
		key = c.cacheKey(ds, vars)
		entry, err := c.config.Cache.Get(ctx, key)
		switch {
		case err == nil:
			records, decodeErr := ds.Decode(entry.Data)
			if decodeErr == nil {
				c.logger.Debug().
					Str("dataset", ds.Name()).
					Str("key", key.String()).
					Int("records", len(records)).
					Msg("Page served from cache")
				return records, nil
			}
			c.logger.Warn().Err(decodeErr).Str("key", key.String()).Msg("Dropping undecodable cache entry")
			_ = c.config.Cache.Delete(ctx, key)
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("dataset", ds.Name()).Msg("Cache get error")
		}
	}

	data, err := c.post(ctx, ds, vars)
	if err != nil {
		return nil, err
	}

	records, err := ds.Decode(data)
	if err != nil {
		return nil, c.fail(ds, &Error{
			StatusCode: http.StatusOK,
			Class:      ErrorClassMalformed,
			Message:    "unexpected payload shape",
			Err:        err,
		})
	}

	if useCache {
		if err := c.config.Cache.Set(ctx, key, cache.NewEntry(data, c.config.CacheTTL)); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache page")
		}
	}

	upstreamRequestsTotal.WithLabelValues(ds.Name(), "200").Inc()
	c.logger.Debug().
		Str("dataset", ds.Name()).
		Time("start", start).
		Time("end", end).
		Int("records", len(records)).
		Msg("Page fetched")

	return records, nil
}

// post executes the HTTP round trip and returns the "data" member.
func (c *GraphClient) post(ctx context.Context, ds Dataset, vars map[string]any) (json.RawMessage, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(ds.Name()).Observe(time.Since(startTime).Seconds())
	}()

	body, err := json.Marshal(graphRequest{Query: ds.Query(), Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		upstreamRequestsTotal.WithLabelValues(ds.Name(), "network_error").Inc()
		return nil, c.fail(ds, &Error{Class: ErrorClassTransport, Message: "request failed", Err: err})
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(ds.Name(), "network_error").Inc()
		return nil, c.fail(ds, &Error{StatusCode: resp.StatusCode, Class: ErrorClassTransport, Message: "read body", Err: err})
	}

	if resp.StatusCode >= 400 {
		upstreamRequestsTotal.WithLabelValues(ds.Name(), strconv.Itoa(resp.StatusCode)).Inc()
		return nil, c.fail(ds, &Error{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Message:    resp.Status,
		})
	}

	var gr graphResponse
	if err := json.Unmarshal(payload, &gr); err != nil {
		upstreamRequestsTotal.WithLabelValues(ds.Name(), "malformed").Inc()
		return nil, c.fail(ds, &Error{StatusCode: resp.StatusCode, Class: ErrorClassMalformed, Message: "invalid json", Err: err})
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		upstreamRequestsTotal.WithLabelValues(ds.Name(), "graphql_error").Inc()
		return nil, c.fail(ds, &Error{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassMalformed,
			Message:    "graphql errors: " + strings.Join(msgs, "; "),
		})
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		upstreamRequestsTotal.WithLabelValues(ds.Name(), "malformed").Inc()
		return nil, c.fail(ds, &Error{StatusCode: resp.StatusCode, Class: ErrorClassMalformed, Message: "missing data"})
	}

	return gr.Data, nil
}

func (c *GraphClient) fail(ds Dataset, err *Error) error {
	upstreamErrorsTotal.WithLabelValues(string(err.Class)).Inc()
	c.logger.Debug().
		Str("dataset", ds.Name()).
		Int("status", err.StatusCode).
		Str("error_class", string(err.Class)).
		Msg("Error classified")
	return err
}

func (c *GraphClient) cacheKey(ds Dataset, vars map[string]any) cache.Key {
	rendered := make(map[string]string, len(vars))
	for k, v := range vars {
		rendered[k] = fmt.Sprint(v)
	}
	return cache.Key{
		Subgraph:  c.config.SubgraphID,
		Dataset:   ds.Name(),
		Variables: rendered,
	}
}

// classifyStatus maps an HTTP error status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassTransport
	case status == http.StatusRequestTimeout:
		return ErrorClassTransport
	default:
		return ErrorClassClient
	}
}
