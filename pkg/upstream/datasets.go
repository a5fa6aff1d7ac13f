package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

// Dataset describes one paginated entity of the subgraph: its GraphQL
// document, the variables for a page and how to decode the page.
type Dataset interface {
	// Name identifies the dataset in logs, metrics and cache keys.
	Name() string

	// Query returns the GraphQL document.
	Query() string

	// Variables returns the variables for the page [start, end).
	Variables(start, end time.Time, pageSize int) map[string]any

	// Decode extracts the records from the response "data" member.
	Decode(data json.RawMessage) ([]model.RawRecord, error)
}

const swapsQuery = `query($start: BigInt!, $end: BigInt!, $first: Int!) {
  swaps(where: { timestamp_gte: $start, timestamp_lt: $end }, first: $first, orderBy: timestamp, orderDirection: asc) {
    id
    timestamp
    transaction { id }
    pool { id liquidity volumeUSD txCount }
    token0 { symbol id }
    token1 { symbol id }
    sender
    recipient
    origin
    amount0
    amount1
    amountUSD
    sqrtPriceX96
    tick
    logIndex
  }
}`

const tokenDaysQuery = `query($token: String!, $start: Int!, $end: Int!, $first: Int!) {
  tokenDayDatas(where: { token: $token, date_gte: $start, date_lt: $end }, first: $first, orderBy: date, orderDirection: asc) {
    id
    date
    token { symbol id }
    priceUSD
    totalValueLockedUSD
    volumeUSD
  }
}`

type swaps struct{}

// Swaps is the pool swap event dataset.
func Swaps() Dataset { return swaps{} }

func (swaps) Name() string  { return "swaps" }
func (swaps) Query() string { return swapsQuery }

func (swaps) Variables(start, end time.Time, pageSize int) map[string]any {
	return map[string]any{
		"start": start.Unix(),
		"end":   end.Unix(),
		"first": pageSize,
	}
}

func (swaps) Decode(data json.RawMessage) ([]model.RawRecord, error) {
	var page struct {
		Swaps *[]*model.RawSwap `json:"swaps"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode swaps: %w", err)
	}
	if page.Swaps == nil {
		return nil, fmt.Errorf("decode swaps: missing swaps field")
	}

	records := make([]model.RawRecord, 0, len(*page.Swaps))
	for _, s := range *page.Swaps {
		if s != nil {
			records = append(records, s)
		}
	}
	return records, nil
}

type tokenDays struct {
	token string
}

// TokenDays is the daily data point dataset for one token address. Addresses
// are matched lower-case, as the subgraph stores them.
func TokenDays(token string) Dataset {
	return tokenDays{token: strings.ToLower(token)}
}

func (d tokenDays) Name() string { return "token-days:" + d.token }
func (tokenDays) Query() string  { return tokenDaysQuery }

func (d tokenDays) Variables(start, end time.Time, pageSize int) map[string]any {
	return map[string]any{
		"token": d.token,
		"start": start.Unix(),
		"end":   end.Unix(),
		"first": pageSize,
	}
}

func (tokenDays) Decode(data json.RawMessage) ([]model.RawRecord, error) {
	var page struct {
		TokenDayDatas *[]*model.RawTokenDay `json:"tokenDayDatas"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode token day data: %w", err)
	}
	if page.TokenDayDatas == nil {
		return nil, fmt.Errorf("decode token day data: missing tokenDayDatas field")
	}

	records := make([]model.RawRecord, 0, len(*page.TokenDayDatas))
	for _, d := range *page.TokenDayDatas {
		if d != nil {
			records = append(records, d)
		}
	}
	return records, nil
}
