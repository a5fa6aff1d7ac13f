// Package testutil provides testing utilities for the subgraph backfill.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse is a canned reply served instead of the fixture data.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// GraphRequest is a recorded GraphQL request.
type GraphRequest struct {
	Query     string
	Variables map[string]json.Number
	Token     string
}

// MockSubgraph is an httptest GraphQL server that serves swaps and
// tokenDayDatas from in-memory fixtures, filtered and ordered the way the
// real subgraph does.
type MockSubgraph struct {
	server *httptest.Server
	mu     sync.Mutex

	swaps     []map[string]any
	tokenDays []map[string]any
	queued    []MockResponse
	delay     time.Duration

	requests    []GraphRequest
	inFlight    int
	maxInFlight int
}

// NewMockSubgraph creates a new mock subgraph server.
func NewMockSubgraph() *MockSubgraph {
	m := &MockSubgraph{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockSubgraph) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSubgraph) Close() {
	m.server.Close()
}

// AddSwaps appends swap fixtures.
func (m *MockSubgraph) AddSwaps(swaps ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps = append(m.swaps, swaps...)
	sortByInt(m.swaps, "timestamp")
}

// AddTokenDays appends token day fixtures.
func (m *MockSubgraph) AddTokenDays(days ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenDays = append(m.tokenDays, days...)
	sortByInt(m.tokenDays, "date")
}

// Enqueue makes the next requests receive the given responses, in order,
// before fixture data is served again.
func (m *MockSubgraph) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, responses...)
}

// SetDelay delays every fixture response.
func (m *MockSubgraph) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns the recorded requests.
func (m *MockSubgraph) Requests() []GraphRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GraphRequest(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSubgraph) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MaxInFlight returns the highest number of concurrent requests observed.
func (m *MockSubgraph) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockSubgraph) handle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, `{"errors":[{"message":"bad request"}]}`, http.StatusBadRequest)
		return
	}

	req := GraphRequest{Query: body.Query, Variables: map[string]json.Number{}}
	for k, v := range body.Variables {
		switch val := v.(type) {
		case json.Number:
			req.Variables[k] = val
		case string:
			if k == "token" {
				req.Token = val
			}
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	var canned *MockResponse
	if len(m.queued) > 0 {
		canned = &m.queued[0]
		m.queued = m.queued[1:]
	}
	delay := m.delay
	swaps, tokenDays := m.swaps, m.tokenDays
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if canned != nil {
		if canned.Delay > 0 {
			time.Sleep(canned.Delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(canned.StatusCode)
		if canned.Body != "" {
			w.Write([]byte(canned.Body))
		}
		return
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	var payload map[string]any
	switch {
	case strings.Contains(body.Query, "tokenDayDatas"):
		payload = map[string]any{"tokenDayDatas": page(tokenDays, "date", req)}
	case strings.Contains(body.Query, "swaps"):
		payload = map[string]any{"swaps": page(swaps, "timestamp", req)}
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors":[{"message":"unknown entity"}]}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": payload})
}

// page filters fixtures to [start, end) on field, applies the token filter
// and truncates to first.
func page(all []map[string]any, field string, req GraphRequest) []map[string]any {
	start, _ := req.Variables["start"].Int64()
	end, _ := req.Variables["end"].Int64()
	first, err := req.Variables["first"].Int64()
	if err != nil {
		first = 100
	}

	out := []map[string]any{}
	for _, rec := range all {
		ts := intField(rec, field)
		if ts < start || ts >= end {
			continue
		}
		if req.Token != "" && !strings.EqualFold(tokenID(rec), req.Token) {
			continue
		}
		out = append(out, rec)
		if int64(len(out)) >= first {
			break
		}
	}
	return out
}

// Swap builds a swap fixture between two token symbols.
func Swap(id string, timestamp int64, symbol0, symbol1 string) map[string]any {
	return map[string]any{
		"id":          id,
		"timestamp":   strconv.FormatInt(timestamp, 10),
		"transaction": map[string]any{"id": "0xtx" + id},
		"pool": map[string]any{
			"id":        "0xpool",
			"liquidity": "1000",
			"volumeUSD": "2500.5",
			"txCount":   "42",
		},
		"token0":       map[string]any{"id": "0x" + strings.ToLower(symbol0), "symbol": symbol0},
		"token1":       map[string]any{"id": "0x" + strings.ToLower(symbol1), "symbol": symbol1},
		"sender":       "0xsender",
		"recipient":    "0xrecipient",
		"origin":       "0xorigin",
		"amount0":      "1.5",
		"amount1":      "-0.5",
		"amountUSD":    "3000",
		"sqrtPriceX96": "79228162514264337593543950336",
		"tick":         "0",
		"logIndex":     "1",
	}
}

// TokenDay builds a token day fixture.
func TokenDay(tokenAddress, symbol string, date int64, priceUSD string) map[string]any {
	return map[string]any{
		"id":                  fmt.Sprintf("%s-%d", strings.ToLower(tokenAddress), date/86400),
		"date":                date,
		"token":               map[string]any{"id": strings.ToLower(tokenAddress), "symbol": symbol},
		"priceUSD":            priceUSD,
		"totalValueLockedUSD": "1000000",
		"volumeUSD":           "50000",
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"message":"Rate limit exceeded"}]}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"message":"Internal server error"}]}`,
	}
}

// NewGraphQLErrorResponse creates a 200 response carrying GraphQL errors.
func NewGraphQLErrorResponse(message string) MockResponse {
	b, _ := json.Marshal(map[string]any{"errors": []map[string]string{{"message": message}}})
	return MockResponse{StatusCode: http.StatusOK, Body: string(b)}
}

func sortByInt(records []map[string]any, field string) {
	sort.SliceStable(records, func(i, j int) bool {
		return intField(records[i], field) < intField(records[j], field)
	})
}

func intField(rec map[string]any, field string) int64 {
	switch v := rec[field].(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func tokenID(rec map[string]any) string {
	if tok, ok := rec["token"].(map[string]any); ok {
		id, _ := tok["id"].(string)
		return id
	}
	return ""
}
