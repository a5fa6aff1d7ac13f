package pipeline

import (
	"strings"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

// TokenFilter keeps swaps that touch at least one of the given token
// addresses. Addresses compare case-insensitively. Records that are not
// swaps always pass. An empty address list keeps everything.
type TokenFilter struct {
	tokens map[string]struct{}
}

// NewTokenFilter creates a filter for the given addresses.
func NewTokenFilter(addresses []string) TokenFilter {
	f := TokenFilter{tokens: make(map[string]struct{}, len(addresses))}
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			f.tokens[a] = struct{}{}
		}
	}
	return f
}

// Empty reports whether the filter keeps every record.
func (f TokenFilter) Empty() bool { return len(f.tokens) == 0 }

// Keep reports whether r passes the filter.
func (f TokenFilter) Keep(r model.RawRecord) bool {
	if f.Empty() {
		return true
	}
	swap, ok := r.(*model.RawSwap)
	if !ok {
		return true
	}
	return f.has(swap.Token0) || f.has(swap.Token1)
}

func (f TokenFilter) has(t *model.RawToken) bool {
	if t == nil {
		return false
	}
	_, ok := f.tokens[strings.ToLower(t.ID)]
	return ok
}

// Apply returns the records that pass, in order.
func (f TokenFilter) Apply(records []model.RawRecord) []model.RawRecord {
	if f.Empty() {
		return records
	}
	out := make([]model.RawRecord, 0, len(records))
	for _, r := range records {
		if f.Keep(r) {
			out = append(out, r)
		}
	}
	return out
}
