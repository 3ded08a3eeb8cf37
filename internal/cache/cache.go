package cache

import (
	"sync"
)

// Cache defines a generic keyed store shared across goroutines.
type Cache[V any] interface {
	// Get retrieves a value from the cache.
	Get(key string) (V, bool)
	// Put stores a value in the cache, replacing any previous one.
	Put(key string, v V)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache. Values are stored as
// given; callers cache immutable or internally synchronized values.
type MapCache[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

func NewMapCache[V any]() *MapCache[V] {
	return &MapCache[V]{
		data: make(map[string]V),
	}
}

func (c *MapCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

// GetOrCreate returns the cached value for key, calling create under the write lock
// when there is none. A failed create stores nothing. The second result reports a
// cache hit.
func (c *MapCache[V]) GetOrCreate(key string, create func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, true, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.data[key] = v
	return v, false, nil
}

// Delete drops key and reports whether it was present.
func (c *MapCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok
}

func (c *MapCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
