package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RawRecord is one upstream event or data point. IDs are unique across the
// whole dataset, not just within a window.
type RawRecord interface {
	RecordID() string
	RecordTime() time.Time
}

// Scalar holds an upstream scalar that may arrive as a JSON string, a JSON
// number or null. Subgraph BigInt and BigDecimal values are strings on the
// wire. The empty Scalar means the value was absent or null.
type Scalar string

// UnmarshalJSON accepts strings, numbers and null.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Scalar(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("scalar: unsupported value %s", data)
	}
	*s = Scalar(n.String())
	return nil
}

// IsZero reports whether the value was absent.
func (s Scalar) IsZero() bool { return s == "" }

// String returns the raw text.
func (s Scalar) String() string { return string(s) }

// Int64 parses the value as a base-10 integer.
func (s Scalar) Int64() (int64, bool) {
	if s.IsZero() {
		return 0, false
	}
	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// UnixTime parses the value as unix seconds.
func (s Scalar) UnixTime() (time.Time, bool) {
	v, ok := s.Int64()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(v, 0).UTC(), true
}

// RawToken is the token reference nested in swaps and token day data.
type RawToken struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// RawPool is the pool reference nested in a swap.
type RawPool struct {
	ID        string `json:"id"`
	Liquidity Scalar `json:"liquidity"`
	VolumeUSD Scalar `json:"volumeUSD"`
	TxCount   Scalar `json:"txCount"`
}

// RawTransaction is the transaction reference nested in a swap.
type RawTransaction struct {
	ID string `json:"id"`
}

// RawSwap is one swap event as returned by the subgraph. Nested objects are
// optional; fields the pipeline does not consume are not decoded.
type RawSwap struct {
	ID           string          `json:"id"`
	Timestamp    Scalar          `json:"timestamp"`
	Transaction  *RawTransaction `json:"transaction"`
	Pool         *RawPool        `json:"pool"`
	Token0       *RawToken       `json:"token0"`
	Token1       *RawToken       `json:"token1"`
	Sender       string          `json:"sender"`
	Recipient    string          `json:"recipient"`
	Origin       string          `json:"origin"`
	Amount0      Scalar          `json:"amount0"`
	Amount1      Scalar          `json:"amount1"`
	AmountUSD    Scalar          `json:"amountUSD"`
	SqrtPriceX96 Scalar          `json:"sqrtPriceX96"`
	Tick         Scalar          `json:"tick"`
	LogIndex     Scalar          `json:"logIndex"`
}

// RecordID implements RawRecord.
func (s *RawSwap) RecordID() string { return s.ID }

// RecordTime implements RawRecord. A missing timestamp yields the zero time.
func (s *RawSwap) RecordTime() time.Time {
	t, _ := s.Timestamp.UnixTime()
	return t
}

// RawTokenDay is one daily token data point.
type RawTokenDay struct {
	ID                  string    `json:"id"`
	Date                Scalar    `json:"date"`
	Token               *RawToken `json:"token"`
	PriceUSD            Scalar    `json:"priceUSD"`
	TotalValueLockedUSD Scalar    `json:"totalValueLockedUSD"`
	VolumeUSD           Scalar    `json:"volumeUSD"`
}

// RecordID implements RawRecord. Older subgraph deployments omit the id, in
// which case one is derived from the token and date.
func (d *RawTokenDay) RecordID() string {
	if d.ID != "" {
		return d.ID
	}
	token := ""
	if d.Token != nil {
		token = d.Token.ID
	}
	return fmt.Sprintf("%s-%s", token, d.Date)
}

// RecordTime implements RawRecord.
func (d *RawTokenDay) RecordTime() time.Time {
	t, _ := d.Date.UnixTime()
	return t
}
