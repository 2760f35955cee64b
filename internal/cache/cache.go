// Package cache provides a bounded, TTL-expiring key/value store used to
// memoize expensive extraction results inside a freshness window.
package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type entry struct {
	value  any
	expiry time.Time
	seq    uint64
}

type orderKey struct {
	key string
	seq uint64
}

// Cache is safe for concurrent use. Expired entries are dropped lazily on
// lookup; when full, Set evicts the oldest-inserted live entry regardless of
// access recency.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	order      []orderKey
	maxSize    int
	defaultTTL time.Duration
	seq        uint64

	now func() time.Time
}

const (
	DefaultMaxSize = 1024
	DefaultTTL     = 5 * time.Minute
)

func New(maxSize int, defaultTTL time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		entries:    make(map[string]entry, maxSize),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the live value for key, or (nil, false) when the key is absent
// or its entry has expired. An expired entry is removed as a side effect.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiry) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given ttl (the configured default when
// ttl <= 0). Inserting a new key into a full cache evicts the oldest entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		// Overwrites keep the original insertion slot.
		c.entries[key] = entry{value: value, expiry: c.now().Add(ttl), seq: old.seq}
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.seq++
	c.entries[key] = entry{value: value, expiry: c.now().Add(ttl), seq: c.seq}
	c.order = append(c.order, orderKey{key: key, seq: c.seq})
}

// evictOldest removes the earliest-inserted entry still present. Order slots
// whose entry was deleted or replaced are skipped and discarded.
func (c *Cache) evictOldest() {
	for len(c.order) > 0 {
		ok := c.order[0]
		c.order = c.order[1:]
		if e, live := c.entries[ok.key]; live && e.seq == ok.seq {
			delete(c.entries, ok.key)
			return
		}
	}
}

func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key and reports whether a live entry was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	return !c.now().After(e.expiry)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry, c.maxSize)
	c.order = nil
}

// Size counts live entries, dropping any that have expired.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}

// Fingerprint derives a deterministic cache key from a source identifier and
// the raw request parameters.
func Fingerprint(source string, params []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(source)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(params)
	return strconv.FormatUint(h.Sum64(), 16)
}
