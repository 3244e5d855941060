package cache

import "sync"

// Cache is a thread-safe LRU cache for device objects that must be released
// when they fall out. Evicted and cleared values are handed to the release
// callback after the cache lock is dropped.
//
// Cache must not be copied after creation (has mutex).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*node[K, V]
	order   recency[K, V]
	limit   int // 0 means unlimited
	release func(K, V)

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most limit entries. release may be nil.
func New[K comparable, V any](limit int, release func(K, V)) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*node[K, V]),
		limit:   limit,
		release: release,
	}
}

// Get retrieves a value and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.touch(n)
	return n.value, true
}

// GetOrCreate returns the cached value or builds it with create.
// create runs under the lock, so concurrent callers never build the same key
// twice. A create error leaves the cache unchanged.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	c.mu.Lock()
	if n, ok := c.entries[key]; ok {
		c.hits++
		c.order.touch(n)
		c.mu.Unlock()
		return n.value, nil
	}
	c.misses++

	value, err := create()
	if err != nil {
		c.mu.Unlock()
		var zero V
		return zero, err
	}
	c.entries[key] = c.order.pushFront(key, value)
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.releaseAll(evicted)
	return value, nil
}

// Set stores a value, replacing and releasing any previous one for key.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	var evicted []*node[K, V]
	if old, ok := c.entries[key]; ok {
		c.order.unlink(old)
		evicted = append(evicted, old)
	}
	c.entries[key] = c.order.pushFront(key, value)
	evicted = append(evicted, c.evictLocked()...)
	c.mu.Unlock()

	c.releaseAll(evicted)
}

// Delete removes an entry without releasing it and returns its value.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	c.order.unlink(n)
	return n.value, true
}

// Clear releases every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	evicted := make([]*node[K, V], 0, len(c.entries))
	for n := c.order.popBack(); n != nil; n = c.order.popBack() {
		evicted = append(evicted, n)
	}
	c.entries = make(map[K]*node[K, V])
	c.mu.Unlock()

	c.releaseAll(evicted)
}

// Len returns the number of entries in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Len:       len(c.entries),
		Capacity:  c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// evictLocked unlinks least recently used entries until the cache fits.
// Caller must hold c.mu.
func (c *Cache[K, V]) evictLocked() []*node[K, V] {
	if c.limit <= 0 {
		return nil
	}
	var evicted []*node[K, V]
	for len(c.entries) > c.limit {
		n := c.order.popBack()
		if n == nil {
			break
		}
		delete(c.entries, n.key)
		c.evictions++
		evicted = append(evicted, n)
	}
	return evicted
}

func (c *Cache[K, V]) releaseAll(nodes []*node[K, V]) {
	if c.release == nil {
		return
	}
	for _, n := range nodes {
		c.release(n.key, n.value)
	}
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the entry limit (0 for unlimited).
	Capacity int
	// Hits is the number of lookups that found an entry.
	Hits uint64
	// Misses is the number of lookups that did not.
	Misses uint64
	// HitRate is Hits over all lookups, 0.0 to 1.0.
	HitRate float64
	// Evictions is the number of entries dropped to stay under Capacity.
	Evictions uint64
}
