// Package redisstore keeps documents in Redis as JSON strings.
//
// A document lives under <prefix>:<collection>:<id>; the ids of a collection
// are tracked in the set <prefix>:<collection>:ids. A batch is written in
// one MULTI/EXEC transaction.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces all keys written by the store.
const DefaultPrefix = "backfill"

// DocumentStore implements store.ReadWriter on Redis.
type DocumentStore struct {
	redis  *redis.Client
	prefix string
}

// NewDocumentStore creates a new Redis document store.
func NewDocumentStore(redisClient *redis.Client, prefix string) *DocumentStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DocumentStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

// Compile-time interface check.
var _ store.ReadWriter = (*DocumentStore)(nil)

func (s *DocumentStore) docKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, collection, id)
}

func (s *DocumentStore) indexKey(collection string) string {
	return fmt.Sprintf("%s:%s:ids", s.prefix, collection)
}

// BatchWrite upserts all documents in one transaction.
func (s *DocumentStore) BatchWrite(ctx context.Context, collection string, docs []model.Document) error {
	if err := store.Validate(collection, docs); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	payloads := make([][]byte, len(docs))
	ids := make([]any, len(docs))
	for i, d := range docs {
		data, err := store.EncodeFields(d.Fields)
		if err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
		payloads[i] = data
		ids[i] = d.ID
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range docs {
			pipe.Set(ctx, s.docKey(collection, d.ID), payloads[i], 0)
		}
		pipe.SAdd(ctx, s.indexKey(collection), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis batch write: %w", err)
	}
	return nil
}

// Write upserts one document.
func (s *DocumentStore) Write(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := store.Validate(collection, []model.Document{{ID: id}}); err != nil {
		return err
	}

	data, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(collection, id), data, 0)
		pipe.SAdd(ctx, s.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Get returns a stored document.
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (model.Document, error) {
	data, err := s.redis.Get(ctx, s.docKey(collection, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Document{}, store.ErrNotFound
		}
		return model.Document{}, fmt.Errorf("redis get: %w", err)
	}

	fields, err := store.DecodeFields(data)
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{ID: id, Fields: fields}, nil
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(ctx context.Context, collection string) (int, error) {
	n, err := s.redis.SCard(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return int(n), nil
}
