package statekv

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/unkn0wn-root/statekv/internal/keyspace"
	"github.com/unkn0wn-root/statekv/internal/subscription"
	"github.com/unkn0wn-root/statekv/merge"
)

// outbox collects the deferred windows a mutation joined.
type outbox struct {
	gates []<-chan struct{}
}

// settle runs queued immediate callbacks and waits until every deferred
// window in o has been delivered.
func (s *store) settle(ctx context.Context, o *outbox) error {
	s.queue.Drain()
	seen := make(map[<-chan struct{}]struct{}, len(o.gates))
	for _, g := range o.gates {
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		select {
		case <-g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// notifyLocked queues one delivery. The order of calls under s.mu is the
// order subscribers observe.
func (s *store) notifyLocked(o *outbox, sub *subscription.Subscriber, key string, value any) {
	fn := func() {
		v := sub.Select(value)
		if !s.subs.ShouldDeliver(sub.ID, key, v) {
			return
		}
		sub.Callback(v, key)
	}
	if sub.Deferred {
		dedup := strconv.FormatUint(uint64(sub.ID), 10) + ":" + key
		o.gates = append(o.gates, s.batcher.Schedule(dedup, fn))
		return
	}
	s.queue.Push(fn)
}

// keyChangedLocked notifies subscribers of key and of its collection.
// Collection subscribers waiting for the whole collection get the cached
// collection view.
func (s *store) keyChangedLocked(o *outbox, key string, value any) {
	ck, _ := s.space.Lookup(key)
	for _, sub := range s.subs.Candidates(key, ck) {
		switch {
		case sub.Key == key:
			s.notifyLocked(o, sub, key, value)
		case !sub.Collection || !keyspace.IsMember(sub.Key, key):
		case sub.WaitForCollection:
			s.notifyLocked(o, sub, sub.Key, s.cache.Members(sub.Key))
		default:
			s.notifyLocked(o, sub, key, value)
		}
	}
}

// keysChangedLocked notifies subscribers about a collection update. partial
// holds the new member values, previous what was cached before.
func (s *store) keysChangedLocked(o *outbox, collectionKey string, partial, previous map[string]any) {
	if len(partial) == 0 {
		return
	}
	keys := sortedKeys(partial)
	unchanged := func(k string) bool {
		return merge.Equal(previous[k], partial[k])
	}

	subs := s.subs.Lookup(collectionKey)
	for _, k := range keys {
		subs = append(subs, s.subs.Lookup(k)...)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	var view map[string]any
	for _, sub := range subs {
		if sub.Key != collectionKey {
			if !unchanged(sub.Key) {
				s.notifyLocked(o, sub, sub.Key, partial[sub.Key])
			}
			continue
		}
		if sub.WaitForCollection {
			if view == nil {
				view = s.cache.Members(collectionKey)
			}
			s.notifyLocked(o, sub, collectionKey, view)
			continue
		}
		for _, k := range keys {
			if !unchanged(k) {
				s.notifyLocked(o, sub, k, partial[k])
			}
		}
	}
}

func (s *store) Connect(opts ConnectOptions) (SubscriptionID, error) {
	if opts.Key == "" {
		return 0, errors.New("statekv: connect: key is required")
	}
	if opts.Callback == nil {
		return 0, errors.New("statekv: connect: callback is required")
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	sel := opts.Selector
	if sel == nil && opts.SelectorExpr != "" {
		var err error
		if sel, err = compileSelector(opts.SelectorExpr, s.log); err != nil {
			return 0, err
		}
	}

	sub := s.subs.Add(subscription.Subscriber{
		Key:               opts.Key,
		Callback:          subscription.Callback(opts.Callback),
		WaitForCollection: opts.WaitForCollectionCallback,
		Selector:          sel,
		Deferred:          opts.Deferred,
		Collection:        s.space.IsCollectionKey(opts.Key),
	})
	id := SubscriptionID(sub.ID)
	if opts.BlockEviction {
		s.AddToEvictionBlockList(opts.Key, id)
	}
	if s.evict.IsEvictable(opts.Key) {
		s.trimRecent()
	}
	if !opts.SkipStoredValues {
		go s.hydrate(sub)
	}
	return id, nil
}

// Disconnect is idempotent. Reads already running for the key still fill
// the cache but are no longer delivered to id.
func (s *store) Disconnect(id SubscriptionID) {
	if _, ok := s.subs.Remove(subscription.ID(id)); !ok {
		return
	}
	s.evict.Blocks().RemoveAll(uint64(id))
}

// AddToEvictionBlockList takes one reference; each call needs a matching
// RemoveFromEvictionBlockList, or a Disconnect that drops them all.
func (s *store) AddToEvictionBlockList(key string, id SubscriptionID) {
	s.evict.Blocks().Add(key, uint64(id))
}

func (s *store) RemoveFromEvictionBlockList(key string, id SubscriptionID) {
	s.evict.Blocks().Remove(key, uint64(id))
}

// hydrate delivers the current value to a new subscriber once the store is
// initialized.
func (s *store) hydrate(sub *subscription.Subscriber) {
	ctx := context.Background()
	if err := s.ready.wait(ctx); err != nil || !s.subs.Active(sub.ID) || s.closed.Load() {
		return
	}

	var o outbox
	if sub.Collection {
		members, err := s.collection(ctx, sub.Key)
		if err != nil {
			s.log.Warn("could not load collection for subscriber", Fields{"key": sub.Key, "err": err.Error()})
			return
		}
		s.mu.Lock()
		// the cache wins over what was read; it may have moved meanwhile
		for k := range members {
			if v, known := s.peekLocked(k); known {
				if v == nil {
					delete(members, k)
				} else {
					members[k] = v
				}
			}
		}
		for k, v := range s.cache.Members(sub.Key) {
			members[k] = v
		}
		if sub.WaitForCollection {
			s.notifyLocked(&o, sub, sub.Key, members)
		} else {
			for _, k := range sortedKeys(members) {
				s.notifyLocked(&o, sub, k, members[k])
			}
		}
		s.mu.Unlock()
	} else {
		v, err := s.read(ctx, sub.Key)
		if err != nil {
			s.log.Warn("could not load value for subscriber", Fields{"key": sub.Key, "err": err.Error()})
			return
		}
		s.mu.Lock()
		if cur, known := s.peekLocked(sub.Key); known {
			v = cur
		}
		s.notifyLocked(&o, sub, sub.Key, v)
		s.mu.Unlock()
	}
	_ = s.settle(ctx, &o)
}
