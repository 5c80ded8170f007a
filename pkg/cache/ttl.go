package cache

import (
	"sync"
	"time"
)

// TTLCache is a thread-safe cache whose entries expire after a fixed
// time-to-live. A background janitor goroutine evicts expired entries;
// lookups also check expiry so a stale entry is never returned even
// before the janitor runs.
type TTLCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[V]
	ttl     time.Duration

	janitorStop chan struct{}
	closeOnce   sync.Once
}

var _ Cache[any] = (*TTLCache[any])(nil)

// NewTTLCache creates a TTL cache. A non-positive ttl means entries never
// expire and no janitor is started.
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{
		entries: make(map[string]*Entry[V]),
		ttl:     ttl,
	}

	if ttl > 0 {
		c.janitorStop = make(chan struct{})
		go c.janitor()
	}

	return c
}

// Get retrieves a live value by key.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || entry.IsExpired() {
		return zero, false
	}
	return entry.Value, true
}

// GetEntry retrieves the full entry (value plus timestamps) for inspection.
func (c *TTLCache[V]) GetEntry(key string) (Entry[V], bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || entry.IsExpired() {
		return Entry[V]{}, false
	}
	return *entry, true
}

// Set stores a value, overwriting any existing entry for the key.
func (c *TTLCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	now := time.Now()
	entry := &Entry[V]{
		Key:       key,
		Value:     value,
		CreatedAt: now,
	}
	if c.ttl > 0 {
		expires := now.Add(c.ttl)
		entry.ExpiresAt = &expires
	}

	c.mu.Lock()
	_, existed := c.entries[key]
	c.entries[key] = entry
	c.mu.Unlock()

	return !existed, nil
}

// Delete removes an entry by key.
func (c *TTLCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	return existed, nil
}

// Clear removes all entries.
func (c *TTLCache[V]) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]*Entry[V])
	c.mu.Unlock()
	return nil
}

// Size returns the number of live entries.
func (c *TTLCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, entry := range c.entries {
		if !entry.IsExpired() {
			n++
		}
	}
	return n
}

// Keys returns all live keys.
func (c *TTLCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for key, entry := range c.entries {
		if !entry.IsExpired() {
			keys = append(keys, key)
		}
	}
	return keys
}

// Snapshot returns a copy of all live entries keyed by cache key.
func (c *TTLCache[V]) Snapshot() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]V, len(c.entries))
	for key, entry := range c.entries {
		if !entry.IsExpired() {
			out[key] = entry.Value
		}
	}
	return out
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (c *TTLCache[V]) Close() error {
	c.closeOnce.Do(func() {
		if c.janitorStop != nil {
			close(c.janitorStop)
		}
	})
	return nil
}

func (c *TTLCache[V]) janitor() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.janitorStop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *TTLCache[V]) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
		}
	}
}
