// Package store defines the document store the uploader writes into and the
// helpers shared by its implementations.
//
// Writes are upserts keyed by (collection, id): writing the same document
// twice leaves one document, and concurrent writers converge on the last
// write. Implementations live in subpackages:
//
//   - memory: in-process map, for tests and dry runs
//   - redisstore: Redis, one MULTI/EXEC transaction per batch
//   - postgres: PostgreSQL JSONB table, one transaction per batch
//   - clickhouse: ClickHouse ReplacingMergeTree, one insert block per batch
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

// DocumentStore is the write side consumed by the uploader.
type DocumentStore interface {
	// BatchWrite upserts all docs atomically: either every document is
	// written or none is.
	BatchWrite(ctx context.Context, collection string, docs []model.Document) error

	// Write upserts a single document.
	Write(ctx context.Context, collection, id string, fields map[string]any) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Reader reads documents back. Every implementation in this module provides
// it.
type Reader interface {
	// Get returns a document. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, collection, id string) (model.Document, error)

	// Count returns the number of distinct documents in a collection.
	Count(ctx context.Context, collection string) (int, error)
}

// ReadWriter is a DocumentStore that can also be read.
type ReadWriter interface {
	DocumentStore
	Reader
}

// Validate checks a batch before it is sent to a store.
func Validate(collection string, docs []model.Document) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidInput)
	}
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document %d has no id", ErrInvalidInput, i)
		}
	}
	return nil
}

// EncodeFields serializes document fields for stores that keep JSON.
func EncodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}

// DecodeFields is the inverse of EncodeFields. Numbers come back as float64.
func DecodeFields(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}
