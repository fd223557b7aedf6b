// Package dedup remembers which trade records have already been emitted.
//
// Keys are retained for a TTL measured from first insertion and the cache
// never holds more than MaxEntries keys; at capacity the least recently seen
// key is evicted first.
// Correctness is only guaranteed for records that reappear within the TTL,
// so the TTL should span several polling intervals.
package dedup

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 200_000
)

var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// Key builds the cache key for one record. Separators inside a part are
// escaped, so distinct (exchange, symbol, id) triples never share a key.
func Key(exchange, symbol, recordID string) string {
	return keyEscaper.Replace(exchange) + ":" + keyEscaper.Replace(symbol) + ":" + keyEscaper.Replace(recordID)
}

type Options struct {
	TTL        time.Duration
	MaxEntries int
}

// Cache is safe for concurrent use.
type Cache struct {
	items   *ttlcache.Cache[string, struct{}]
	expired atomic.Uint64
	evicted atomic.Uint64
}

func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}

	c := &Cache{
		// Hits never extend a key's TTL, which runs from the first insert.
		items: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](opts.TTL),
			ttlcache.WithCapacity[string, struct{}](uint64(opts.MaxEntries)),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
	c.items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, struct{}]) {
		switch reason {
		case ttlcache.EvictionReasonExpired:
			c.expired.Add(1)
		case ttlcache.EvictionReasonCapacityReached:
			c.evicted.Add(1)
		}
	})
	return c
}

// Contains reports whether key was inserted and has not expired.
func (c *Cache) Contains(key string) bool {
	return c.items.Get(key) != nil
}

// Insert records key. Inserting an existing key is a no-op.
func (c *Cache) Insert(key string) {
	c.Add(key)
}

// Add inserts key and reports whether it was absent. GetOrSet checks and
// inserts under the cache lock, so concurrent callers racing on the same
// key see exactly one true.
func (c *Cache) Add(key string) bool {
	_, found := c.items.GetOrSet(key, struct{}{})
	return !found
}

// Sweep releases the memory held by expired keys. Expired keys are already
// invisible to Contains and Add before they are swept.
func (c *Cache) Sweep() {
	c.items.DeleteExpired()
}

func (c *Cache) Len() int {
	return c.items.Len()
}

// Expired and Evicted count keys dropped for age and for capacity. Eviction
// callbacks run asynchronously, so both may trail the cache by a moment.
func (c *Cache) Expired() uint64 {
	return c.expired.Load()
}

func (c *Cache) Evicted() uint64 {
	return c.evicted.Load()
}

// Run sweeps every interval until ctx is done. onSweep, when set, receives
// the size after each sweep.
func (c *Cache) Run(ctx context.Context, interval time.Duration, onSweep func(size int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
			if onSweep != nil {
				onSweep(c.Len())
			}
		}
	}
}
