// Package cache is the in-memory layer in front of the storage provider:
// values, negative lookups, the known key set, the recency list used for
// eviction and a single-flight registry for identical concurrent reads.
package cache

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/statekv/internal/keyspace"
	"github.com/unkn0wn-root/statekv/merge"
)

// TaskAllKeys is the task name used to load the key set from storage.
const TaskAllKeys = "getAllKeys"

// Config wires the cache to the key vocabulary. Nil funcs mean "no".
type Config struct {
	// Evictable reports whether a key may enter the recency list.
	Evictable func(key string) bool

	// IsCollectionKey reports whether a key is a bare collection key.
	IsCollectionKey func(key string) bool
}

type Cache struct {
	mu      sync.RWMutex
	values  map[string]any
	nullish map[string]struct{}
	keys    map[string]struct{}
	loaded  bool

	recent    *list.List // front = least recently used
	recentIdx map[string]*list.Element

	evictable    func(string) bool
	isCollection func(string) bool

	tasks   singleflight.Group
	tasksMu sync.Mutex
	pending map[string]int
}

func New(cfg Config) *Cache {
	c := &Cache{
		values:       make(map[string]any),
		nullish:      make(map[string]struct{}),
		keys:         make(map[string]struct{}),
		recent:       list.New(),
		recentIdx:    make(map[string]*list.Element),
		evictable:    cfg.Evictable,
		isCollection: cfg.IsCollectionKey,
		pending:      make(map[string]int),
	}
	if c.evictable == nil {
		c.evictable = func(string) bool { return false }
	}
	if c.isCollection == nil {
		c.isCollection = func(string) bool { return false }
	}
	return c
}

// Get returns the cached value. ok is false when the key is not cached,
// which is different from a cached null (see HasNullishKey).
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	_, ok := c.values[key]
	c.mu.RUnlock()
	return ok
}

// Set stores a value, records the key and touches its recency. A nil value
// drops the cached value and remembers the key as known absent.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.setLocked(key, value)
	c.mu.Unlock()
}

// SetIfAbsent stores value only if nothing was cached meanwhile and reports
// whether it did. Storage reads use it so a slow read never clobbers a
// newer write.
func (c *Cache) SetIfAbsent(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return false
	}
	if _, ok := c.nullish[key]; ok && value != nil {
		return false
	}
	c.setLocked(key, value)
	return true
}

func (c *Cache) setLocked(key string, value any) {
	c.keys[key] = struct{}{}
	c.touchLocked(key)
	if value == nil {
		delete(c.values, key)
		c.nullish[key] = struct{}{}
		return
	}
	delete(c.nullish, key)
	c.values[key] = value
}

// Drop removes the value, recency membership and key-set membership.
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	delete(c.values, key)
	delete(c.keys, key)
	c.untouchLocked(key)
	c.mu.Unlock()
}

// Forget drops the cached value and recency membership but keeps the key
// known, for keys that still exist in storage.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.untouchLocked(key)
	c.mu.Unlock()
}

// Merge deep-merges a partial map into the cache, creating keys as needed.
// Null members are removed and marked known absent.
func (c *Cache) Merge(partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range partial {
		if merge.IsUndefined(v) {
			continue
		}
		if v == nil {
			c.setLocked(k, nil)
			continue
		}
		next := merge.Merge(c.values[k], v, merge.Options{RemoveNestedNulls: true, Mode: merge.ModeReplace}).Value
		c.setLocked(k, next)
	}
}

// HasValueChanged reports whether candidate differs from the cached value.
func (c *Cache) HasValueChanged(key string, candidate any) bool {
	c.mu.RLock()
	cur := c.values[key]
	c.mu.RUnlock()
	return !merge.Equal(cur, candidate)
}

func (c *Cache) AddNullishKey(key string) {
	c.mu.Lock()
	c.nullish[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) HasNullishKey(key string) bool {
	c.mu.RLock()
	_, ok := c.nullish[key]
	c.mu.RUnlock()
	return ok
}

func (c *Cache) ClearNullishKeys() {
	c.mu.Lock()
	c.nullish = make(map[string]struct{})
	c.mu.Unlock()
}

// Members returns the cached members of a collection.
func (c *Cache) Members(collectionKey string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range c.values {
		if keyspace.IsMember(collectionKey, k) {
			out[k] = v
		}
	}
	return out
}

// AllKeys returns the known key set, loading it once through load.
// Concurrent callers share one load.
func (c *Cache) AllKeys(ctx context.Context, load func(context.Context) ([]string, error)) ([]string, error) {
	c.mu.RLock()
	if c.loaded {
		out := c.keysLocked()
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	_, err := c.Capture(TaskAllKeys, func() (any, error) {
		keys, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, k := range keys {
			c.keys[k] = struct{}{}
		}
		c.loaded = true
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keysLocked(), nil
}

// KnownKeys returns the key set without loading it.
func (c *Cache) KnownKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keysLocked()
}

func (c *Cache) keysLocked() []string {
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	return out
}
