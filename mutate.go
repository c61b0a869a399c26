package statekv

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/statekv/internal/keyspace"
	"github.com/unkn0wn-root/statekv/merge"
	pr "github.com/unkn0wn-root/statekv/provider"
)

// mergeQueue collects merges of one key while its base value is read.
type mergeQueue struct {
	changes []any
	done    chan struct{}
	err     error
}

func (q *mergeQueue) finish(err error) {
	q.err = err
	close(q.done)
}

func (q *mergeQueue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelMergeLocked discards queued merges of key; its value is about to be
// replaced wholesale.
func (s *store) cancelMergeLocked(key string) {
	delete(s.merges, key)
}

func (s *store) Set(ctx context.Context, key string, value any) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	v, err := s.normalize(key, "set", value)
	if err != nil {
		return err
	}
	if merge.IsUndefined(v) {
		return nil
	}
	var o outbox
	s.mu.Lock()
	s.setLocked(&o, key, v, "set")
	s.mu.Unlock()
	return s.settle(ctx, &o)
}

func (s *store) MultiSet(ctx context.Context, values map[string]any) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	norm, err := s.normalizeAll("multiset", values)
	if err != nil {
		return err
	}
	var o outbox
	s.mu.Lock()
	for _, k := range sortedKeys(norm) {
		s.setLocked(&o, k, norm[k], "multiset")
	}
	s.mu.Unlock()
	return s.settle(ctx, &o)
}

func (s *store) normalizeAll(op string, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		n, err := s.normalize(k, op, v)
		if err != nil {
			return nil, err
		}
		if merge.IsUndefined(n) {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// setLocked replaces the value of key and stages a full write.
func (s *store) setLocked(o *outbox, key string, v any, method string) {
	s.cancelMergeLocked(key)
	if v == nil {
		s.removeLocked(o, key)
		return
	}
	cur, _ := s.cache.Get(key)
	if !s.compatible(key, method, cur, v) {
		return
	}
	v = merge.RemoveNestedNulls(v)
	if !s.cache.HasValueChanged(key, v) {
		s.touch(key)
		return
	}
	s.cache.Set(key, v)
	s.touch(key)
	s.buf.Set(key, v)
	s.keyChangedLocked(o, key, v)
}

// dropLocked forgets key in memory and stages its deletion.
func (s *store) dropLocked(key string) {
	s.cache.Drop(key)
	s.cache.AddNullishKey(key)
	s.usage.Forget(key)
	s.buf.Set(key, nil)
}

func (s *store) removeLocked(o *outbox, key string) {
	s.dropLocked(key)
	s.keyChangedLocked(o, key, nil)
}

func (s *store) compatible(key, method string, existing, next any) bool {
	ok, ek, nk := merge.Compatible(existing, next)
	if ok {
		return true
	}
	err := &IncompatibleShapeError{Key: key, Method: method, ExistingKind: string(ek), NewKind: string(nk)}
	s.log.Warn("update rejected", Fields{"key": key, "method": method, "err": err.Error()})
	s.hooks.IncompatibleUpdate(key, method, string(ek), string(nk))
	return false
}

// Merge queues patch behind any merge of the same key already waiting for
// its base value, so every merge of a burst applies to one base read in
// call order.
func (s *store) Merge(ctx context.Context, key string, patch any) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	p, err := s.normalize(key, "merge", patch)
	if err != nil {
		return err
	}
	if merge.IsUndefined(p) {
		return nil
	}

	s.mu.Lock()
	if q, ok := s.merges[key]; ok {
		q.changes = append(q.changes, p)
		s.mu.Unlock()
		return q.wait(ctx)
	}
	q := &mergeQueue{changes: []any{p}, done: make(chan struct{})}
	s.merges[key] = q
	s.mu.Unlock()

	base, readErr := s.read(ctx, key)

	var o outbox
	s.mu.Lock()
	if s.merges[key] != q {
		// a set or clear replaced the value meanwhile
		s.mu.Unlock()
		q.finish(nil)
		return nil
	}
	delete(s.merges, key)
	// a collection merge may have landed while the read was in flight
	if v, known := s.peekLocked(key); known {
		base, readErr = v, nil
	}
	if readErr != nil {
		s.mu.Unlock()
		q.finish(readErr)
		return readErr
	}
	s.applyMergeLocked(&o, key, base, q.changes)
	s.mu.Unlock()

	err = s.settle(ctx, &o)
	q.finish(nil)
	return err
}

func (s *store) applyMergeLocked(o *outbox, key string, base any, changes []any) {
	valid := make([]any, 0, len(changes))
	reset := base == nil
	for _, c := range changes {
		if !s.compatible(key, "merge", base, c) {
			continue
		}
		if c == nil {
			reset = true
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return
	}

	// nulls are kept in the batch so patch-based storage deletes them
	batch := merge.MarkChanges(valid)
	start := base
	if reset {
		start = nil
	}
	final := merge.ApplyBatch(start, batch.Value).Value
	if final == nil {
		s.removeLocked(o, key)
		return
	}
	if !s.cache.HasValueChanged(key, final) {
		s.touch(key)
		return
	}
	s.cache.Set(key, final)
	s.touch(key)
	if reset {
		s.buf.Set(key, final)
	} else {
		s.buf.Merge(key, batch.Value, batch.ReplacePatches)
	}
	s.keyChangedLocked(o, key, final)
}

// checkCollection validates a collection update and normalizes its members.
func (s *store) checkCollection(op, collectionKey string, members map[string]any) (map[string]any, error) {
	ck, err := s.space.CollectionOf(collectionKey)
	if err != nil {
		return nil, err
	}
	if ck != collectionKey {
		return nil, fmt.Errorf("%w: %s into member key %q", ErrCollectionMismatch, op, collectionKey)
	}
	for k := range members {
		if !keyspace.IsMember(collectionKey, k) {
			return nil, fmt.Errorf("%w: %s %q into %q", ErrCollectionMismatch, op, k, collectionKey)
		}
	}
	return s.normalizeAll(op, members)
}

// loadKnown reads the listed keys that exist in storage but are not cached.
func (s *store) loadKnown(ctx context.Context, keys []string) error {
	known, err := s.cache.AllKeys(ctx, s.provider.GetAllKeys)
	if err != nil {
		return fmt.Errorf("statekv: list keys: %w", err)
	}
	inStorage := make(map[string]struct{}, len(known))
	for _, k := range known {
		inStorage[k] = struct{}{}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectionReadLimit)
	for _, k := range keys {
		if _, ok := inStorage[k]; !ok || s.cache.Has(k) {
			continue
		}
		g.Go(func() error {
			_, err := s.read(gctx, k)
			return err
		})
	}
	return g.Wait()
}

func (s *store) MergeCollection(ctx context.Context, collectionKey string, members map[string]any) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	norm, err := s.checkCollection("mergecollection", collectionKey, members)
	if err != nil {
		return err
	}
	keys := sortedKeys(norm)
	if err := s.loadKnown(ctx, keys); err != nil {
		return err
	}

	var o outbox
	s.mu.Lock()
	previous := make(map[string]any, len(keys))
	partial := make(map[string]any, len(keys))
	wasCached := make(map[string]bool, len(keys))
	accepted := make(map[string]any, len(keys))
	for _, k := range keys {
		v := norm[k]
		cur, cached := s.cache.Get(k)
		if v == nil {
			s.cancelMergeLocked(k)
			s.dropLocked(k)
			previous[k], partial[k] = cur, nil
			continue
		}
		if !s.compatible(k, "mergecollection", cur, v) {
			continue
		}
		previous[k], wasCached[k] = cur, cached
		accepted[k] = v
	}
	s.cache.Merge(accepted)
	for _, k := range keys {
		v, ok := accepted[k]
		if !ok {
			continue
		}
		next, _ := s.cache.Get(k)
		switch {
		case !wasCached[k]:
			s.buf.Set(k, next)
		case !merge.Equal(previous[k], next):
			s.buf.Merge(k, v, nil)
		}
		s.touch(k)
		partial[k] = next
	}
	s.keysChangedLocked(&o, collectionKey, partial, previous)
	s.mu.Unlock()
	return s.settle(ctx, &o)
}

func (s *store) SetCollection(ctx context.Context, collectionKey string, members map[string]any) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	norm, err := s.checkCollection("setcollection", collectionKey, members)
	if err != nil {
		return err
	}
	known, err := s.cache.AllKeys(ctx, s.provider.GetAllKeys)
	if err != nil {
		return fmt.Errorf("statekv: list keys: %w", err)
	}

	var o outbox
	s.mu.Lock()
	previous := make(map[string]any)
	partial := make(map[string]any)
	for _, k := range known {
		if _, keep := norm[k]; keep || !keyspace.IsMember(collectionKey, k) {
			continue
		}
		cur, _ := s.cache.Get(k)
		s.cancelMergeLocked(k)
		s.dropLocked(k)
		previous[k], partial[k] = cur, nil
	}
	for _, k := range sortedKeys(norm) {
		v := norm[k]
		cur, _ := s.cache.Get(k)
		s.cancelMergeLocked(k)
		if v == nil {
			s.dropLocked(k)
			previous[k], partial[k] = cur, nil
			continue
		}
		if !s.compatible(k, "setcollection", cur, v) {
			continue
		}
		v = merge.RemoveNestedNulls(v)
		if s.cache.HasValueChanged(k, v) {
			s.cache.Set(k, v)
			s.buf.Set(k, v)
		}
		s.touch(k)
		previous[k], partial[k] = cur, v
	}
	s.keysChangedLocked(&o, collectionKey, partial, previous)
	s.mu.Unlock()
	return s.settle(ctx, &o)
}

// Clear wipes storage and memory except keysToPreserve, then restores
// InitialKeyStates. Subscribers of removed keys receive nil.
func (s *store) Clear(ctx context.Context, keysToPreserve []string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	if err := s.loadKnown(ctx, keysToPreserve); err != nil {
		return err
	}
	preserve := make(map[string]struct{}, len(keysToPreserve))
	for _, k := range keysToPreserve {
		preserve[k] = struct{}{}
	}

	var o outbox
	s.mu.Lock()
	all := make(map[string]struct{})
	for _, k := range s.cache.KnownKeys() {
		all[k] = struct{}{}
	}
	for k := range s.defaults {
		all[k] = struct{}{}
	}
	for k := range s.merges {
		if _, keep := preserve[k]; !keep {
			s.cancelMergeLocked(k)
		}
	}
	s.cache.ClearNullishKeys()

	var restage []pr.KeyValue
	for _, k := range sortedKeys(all) {
		if _, keep := preserve[k]; keep {
			if v, ok := s.cache.Get(k); ok {
				restage = append(restage, pr.KeyValue{Key: k, Value: v})
			}
			continue
		}
		if def, ok := s.defaults[k]; ok {
			if s.cache.HasValueChanged(k, def) {
				s.cache.Set(k, def)
				s.keyChangedLocked(&o, k, def)
			}
			s.touch(k)
			restage = append(restage, pr.KeyValue{Key: k, Value: def})
			continue
		}
		s.cache.Drop(k)
		s.cache.AddNullishKey(k)
		s.usage.Forget(k)
		s.keyChangedLocked(&o, k, nil)
	}
	s.buf.ClearStorage(restage)
	s.mu.Unlock()

	s.log.Info("store cleared", Fields{"preserved": len(keysToPreserve), "restored": len(restage)})
	return s.settle(ctx, &o)
}

// Update validates every entry first; a malformed entry rejects the whole
// batch. Entries are then applied in order.
func (s *store) Update(ctx context.Context, updates []Update) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	for i, u := range updates {
		if err := s.validateUpdate(i, u); err != nil {
			return err
		}
	}
	for _, u := range updates {
		var err error
		switch u.Method {
		case MethodSet:
			err = s.Set(ctx, u.Key, u.Value)
		case MethodMerge:
			err = s.Merge(ctx, u.Key, u.Value)
		case MethodMergeCollection:
			err = s.MergeCollection(ctx, u.Key, u.Value.(map[string]any))
		case MethodSetCollection:
			err = s.SetCollection(ctx, u.Key, u.Value.(map[string]any))
		case MethodMultiSet:
			err = s.MultiSet(ctx, u.Value.(map[string]any))
		case MethodClear:
			preserve, _ := u.Value.([]string)
			err = s.Clear(ctx, preserve)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *store) validateUpdate(i int, u Update) error {
	bad := func(reason string) error {
		return &InvalidUpdateError{Index: i, Method: u.Method, Reason: reason}
	}
	switch u.Method {
	case MethodSet, MethodMerge:
		if u.Key == "" {
			return bad("key is required")
		}
	case MethodMergeCollection, MethodSetCollection:
		if u.Key == "" {
			return bad("collection key is required")
		}
		if !s.space.IsCollectionKey(u.Key) {
			return bad(fmt.Sprintf("%q is not a registered collection key", u.Key))
		}
		if _, ok := u.Value.(map[string]any); !ok {
			return bad("value must be map[string]any")
		}
	case MethodMultiSet:
		if _, ok := u.Value.(map[string]any); !ok {
			return bad("value must be map[string]any")
		}
	case MethodClear:
		if _, ok := u.Value.([]string); !ok && u.Value != nil {
			return bad("value must be []string or nil")
		}
	default:
		return bad("unknown method")
	}
	return nil
}
