// Package upstream talks to the paginated subgraph API the backfill reads
// from. It defines the Querier contract consumed by the fetch path, the error
// taxonomy shared by every Querier, and a GraphQL client for The Graph.
package upstream

import (
	"context"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

// Querier returns at most pageSize records with timestamps in [start, end),
// in ascending timestamp order. Failures are *Error values.
type Querier interface {
	Query(ctx context.Context, start, end time.Time, pageSize int) ([]model.RawRecord, error)
}

// QuerierFunc adapts a function to the Querier interface.
type QuerierFunc func(ctx context.Context, start, end time.Time, pageSize int) ([]model.RawRecord, error)

// Query implements Querier.
func (f QuerierFunc) Query(ctx context.Context, start, end time.Time, pageSize int) ([]model.RawRecord, error) {
	return f(ctx, start, end, pageSize)
}
