// Package eviction decides which keys may be evicted under storage
// pressure and which must be kept.
package eviction

import "sync"

// BlockList is a reference-counted set of keys that must not be evicted.
// Each key holds a multiset of subscription IDs.
type BlockList struct {
	mu sync.RWMutex
	m  map[string]map[uint64]int
}

func NewBlockList() *BlockList {
	return &BlockList{m: make(map[string]map[uint64]int)}
}

// Add blocks key on behalf of subscription id.
func (b *BlockList) Add(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs, ok := b.m[key]
	if !ok {
		refs = make(map[uint64]int)
		b.m[key] = refs
	}
	refs[id]++
}

// Remove drops one reference of id on key.
func (b *BlockList) Remove(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := b.m[key]
	if refs == nil {
		return
	}
	if refs[id]--; refs[id] <= 0 {
		delete(refs, id)
	}
	if len(refs) == 0 {
		delete(b.m, key)
	}
}

// RemoveAll drops every reference held by id.
func (b *BlockList) RemoveAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, refs := range b.m {
		delete(refs, id)
		if len(refs) == 0 {
			delete(b.m, key)
		}
	}
}

// Blocked reports whether any subscription still holds key.
func (b *BlockList) Blocked(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m[key]) > 0
}
