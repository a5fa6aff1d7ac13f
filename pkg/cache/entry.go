package cache

import (
	"time"
)

// Entry is one cached upstream page.
type Entry struct {
	// Data is the raw "data" member of the upstream response.
	Data []byte `json:"data"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the page was stored.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry wraps data with an expiry ttl from now.
func NewEntry(data []byte, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Data:     data,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Cacheable reports whether a page for a range ending at end may be cached:
// the range must have closed at least settle before now.
func Cacheable(end, now time.Time, settle time.Duration) bool {
	return !end.After(now.Add(-settle))
}
