package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss is returned when no live page is stored under a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry is returned for a stored page missing its fields.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Hash fields of a stored page.
const (
	fieldData     = "data"
	fieldCachedAt = "cached_at"
)

// Manager stores upstream pages as Redis hashes that expire on their own.
type Manager struct {
	redis redis.Cmdable
}

// NewManager creates a cache manager. It panics on a nil client.
func NewManager(client redis.Cmdable) *Manager {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{redis: client}
}

// Get returns the page stored under key. Expires is derived from the key's
// remaining TTL.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	name := key.String()

	var (
		fields *redis.MapStringStringCmd
		ttl    *redis.DurationCmd
	)
	_, err := m.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, name)
		ttl = p.PTTL(ctx, name)
		return nil
	})
	if err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get page: %w", err)
	}

	values := fields.Val()
	if len(values) == 0 {
		cacheLookups.WithLabelValues(key.Dataset, "miss").Inc()
		return nil, ErrCacheMiss
	}

	data, ok := values[fieldData]
	if !ok {
		cacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %s has no %s field", ErrInvalidEntry, name, fieldData)
	}

	entry := &Entry{Data: []byte(data)}
	if sec, err := strconv.ParseInt(values[fieldCachedAt], 10, 64); err == nil {
		entry.CachedAt = time.Unix(sec, 0).UTC()
	}
	// PTTL is negative for keys without an expiry; treat those as live.
	if remaining := ttl.Val(); remaining > 0 {
		entry.Expires = time.Now().Add(remaining)
	} else {
		entry.Expires = time.Now().Add(time.Hour)
	}

	cacheLookups.WithLabelValues(key.Dataset, "hit").Inc()
	return entry, nil
}

// Set stores entry under key until entry expires. An already expired entry
// is not written.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	name := key.String()
	_, err := m.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, name)
		p.HSet(ctx, name,
			fieldData, entry.Data,
			fieldCachedAt, entry.CachedAt.Unix(),
		)
		p.PExpire(ctx, name, ttl)
		return nil
	})
	if err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set page: %w", err)
	}

	cacheStoredBytes.WithLabelValues(key.Dataset).Add(float64(len(entry.Data)))
	return nil
}

// Delete removes the page stored under key.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		cacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del page: %w", err)
	}
	return nil
}
