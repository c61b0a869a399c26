// Package subscription keeps the subscriber table, the key index and the
// values last delivered to every subscription.
package subscription

import (
	"sort"
	"sync"

	"github.com/unkn0wn-root/statekv/merge"
)

// ID identifies a subscription. IDs are never reused.
type ID uint64

// Callback receives a value and the key it belongs to.
type Callback func(value any, key string)

// Subscriber is one registered subscription.
type Subscriber struct {
	ID                ID
	Key               string
	Callback          Callback
	WaitForCollection bool
	Selector          func(any) any

	// Deferred subscribers are notified on the batched tick instead of
	// immediately.
	Deferred bool

	// Collection is true when Key is a registered collection key.
	Collection bool
}

// Select applies the subscriber's selector.
func (s *Subscriber) Select(v any) any {
	if s.Selector == nil || v == nil {
		return v
	}
	return s.Selector(v)
}

type Registry struct {
	mu    sync.RWMutex
	next  ID
	subs  map[ID]*Subscriber
	byKey map[string]map[ID]struct{}
	last  map[ID]map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		subs:  make(map[ID]*Subscriber),
		byKey: make(map[string]map[ID]struct{}),
		last:  make(map[ID]map[string]any),
	}
}

// Add registers s under a fresh ID and returns the stored subscriber.
func (r *Registry) Add(s Subscriber) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	s.ID = r.next
	sub := &s
	r.subs[s.ID] = sub
	ids, ok := r.byKey[s.Key]
	if !ok {
		ids = make(map[ID]struct{})
		r.byKey[s.Key] = ids
	}
	ids[s.ID] = struct{}{}
	return sub
}

// Remove deletes a subscription with all its bookkeeping. It is a no-op
// for unknown IDs.
func (r *Registry) Remove(id ID) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	delete(r.subs, id)
	delete(r.last, id)
	if ids := r.byKey[s.Key]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byKey, s.Key)
		}
	}
	return s, true
}

func (r *Registry) Get(id ID) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// Active reports whether id is still registered.
func (r *Registry) Active(id ID) bool {
	_, ok := r.Get(id)
	return ok
}

// Lookup returns the subscribers registered under exactly key.
func (r *Registry) Lookup(key string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byKey[key], nil)
}

// Candidates returns the subscribers of key plus those of its owning
// collection, ordered by ID. collectionKey may be empty.
func (r *Registry) Candidates(key, collectionKey string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.collectLocked(r.byKey[key], nil)
	if collectionKey != "" && collectionKey != key {
		out = r.collectLocked(r.byKey[collectionKey], out)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) collectLocked(ids map[ID]struct{}, out []*Subscriber) []*Subscriber {
	for id := range ids {
		out = append(out, r.subs[id])
	}
	return out
}

// ShouldDeliver records value as delivered to id under key and reports
// whether it differs from what was delivered last. It returns false for
// subscriptions that are gone.
func (r *Registry) ShouldDeliver(id ID, key string, value any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	seen, ok := r.last[id]
	if !ok {
		seen = make(map[string]any)
		r.last[id] = seen
	}
	if prev, had := seen[key]; had && merge.Equal(prev, value) {
		return false
	}
	seen[key] = value
	return true
}
