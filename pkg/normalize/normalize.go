// Package normalize turns raw upstream records into flat documents.
//
// Every function here is pure: no I/O, no clock, no randomness. The same raw
// record always yields an equal document, and a missing nested object or an
// unparsable scalar becomes a nil field instead of an error.
package normalize

import (
	"strings"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/shopspring/decimal"
)

// DateTimeLayout formats the human-readable datetime field.
const DateTimeLayout = "2006-01-02 15:04:05"

// Record normalizes any supported raw record. ok is false for record types
// this package does not know.
func Record(r model.RawRecord) (doc model.Document, ok bool) {
	switch rec := r.(type) {
	case *model.RawSwap:
		return Swap(rec), true
	case *model.RawTokenDay:
		return TokenDay(rec), true
	default:
		return model.Document{}, false
	}
}

// All normalizes records in order, dropping unsupported types.
func All(records []model.RawRecord) []model.Document {
	docs := make([]model.Document, 0, len(records))
	for _, r := range records {
		if doc, ok := Record(r); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// Swap flattens a swap event.
func Swap(s *model.RawSwap) model.Document {
	f := map[string]any{
		"id":           text(s.ID),
		"sender":       text(s.Sender),
		"recipient":    text(s.Recipient),
		"origin":       text(s.Origin),
		"amount0":      number(s.Amount0),
		"amount1":      number(s.Amount1),
		"amountUSD":    number(s.AmountUSD),
		"sqrtPriceX96": text(string(s.SqrtPriceX96)),
		"tick":         integer(s.Tick),
		"logIndex":     integer(s.LogIndex),
	}
	timestamps(f, s.Timestamp)

	f["tx"] = nil
	if s.Transaction != nil {
		f["tx"] = text(s.Transaction.ID)
	}

	token(f, "token0", s.Token0)
	token(f, "token1", s.Token1)

	f["pool_id"], f["pool_liquidity"], f["pool_volumeUSD"], f["pool_txCount"] = nil, nil, nil, nil
	f["liquidity_movement"] = float64(0)
	if p := s.Pool; p != nil {
		f["pool_id"] = text(p.ID)
		f["pool_liquidity"] = text(string(p.Liquidity))
		f["pool_volumeUSD"] = number(p.VolumeUSD)
		f["pool_txCount"] = integer(p.TxCount)
		if liq, ok := parseDecimal(p.Liquidity); ok {
			f["liquidity_movement"] = liq.InexactFloat64()
		}
	}

	sym0, sym1 := symbol(s.Token0), symbol(s.Token1)
	f["pair"] = nil
	f["token_pair"] = nil
	if sym0 != "" && sym1 != "" {
		f["pair"] = sym0 + "/" + sym1
		f["token_pair"] = sym0 + "-" + sym1
	}

	f["net_flow"] = nil
	a0, ok0 := parseDecimal(s.Amount0)
	a1, ok1 := parseDecimal(s.Amount1)
	if ok0 && ok1 {
		f["net_flow"] = a0.Add(a1).InexactFloat64()
	}

	return model.Document{ID: s.RecordID(), Fields: f}
}

// TokenDay flattens a daily token data point.
func TokenDay(d *model.RawTokenDay) model.Document {
	f := map[string]any{
		"id":                  d.RecordID(),
		"priceUSD":            number(d.PriceUSD),
		"totalValueLockedUSD": number(d.TotalValueLockedUSD),
		"volumeUSD":           number(d.VolumeUSD),
	}
	timestamps(f, d.Date)
	token(f, "token", d.Token)

	return model.Document{ID: d.RecordID(), Fields: f}
}

func timestamps(f map[string]any, ts model.Scalar) {
	f["timestamp"], f["datetime"] = nil, nil
	if t, ok := ts.UnixTime(); ok {
		f["timestamp"] = t.Unix()
		f["datetime"] = t.UTC().Format(DateTimeLayout)
	}
}

func token(f map[string]any, prefix string, t *model.RawToken) {
	f[prefix+"_id"], f[prefix+"_symbol"] = nil, nil
	if t != nil {
		f[prefix+"_id"] = text(t.ID)
		f[prefix+"_symbol"] = text(t.Symbol)
	}
}

func symbol(t *model.RawToken) string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Symbol)
}

// text trims s; blank strings become nil.
func text(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func number(s model.Scalar) any {
	d, ok := parseDecimal(s)
	if !ok {
		return nil
	}
	return d.InexactFloat64()
}

func integer(s model.Scalar) any {
	v, ok := s.Int64()
	if !ok {
		return nil
	}
	return v
}

func parseDecimal(s model.Scalar) (decimal.Decimal, bool) {
	if s.IsZero() {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(string(s)))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Timestamp returns the document's event time, if it has one.
func Timestamp(doc model.Document) (time.Time, bool) {
	v, ok := doc.Fields["timestamp"].(int64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(v, 0).UTC(), true
}
