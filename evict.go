package statekv

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/statekv/internal/retry"
	pr "github.com/unkn0wn-root/statekv/provider"
)

// storageSink writes flushed batches through the retry coordinator.
type storageSink struct{ s *store }

func (k storageSink) SetBatch(ctx context.Context, items []pr.KeyValue) error {
	return k.s.persist(ctx, "multiSet", func(ctx context.Context, a retry.Attempt) error {
		keep := items[:0:0]
		for _, it := range items {
			if !a.Skip(it.Key) {
				keep = append(keep, it)
			}
		}
		if len(keep) == 0 {
			return nil
		}
		return k.s.provider.MultiSet(ctx, keep)
	})
}

func (k storageSink) MergeBatch(ctx context.Context, ops []pr.MergeOp) error {
	return k.s.persist(ctx, "multiMerge", func(ctx context.Context, a retry.Attempt) error {
		keep := ops[:0:0]
		for _, op := range ops {
			if !a.Skip(op.Key) {
				keep = append(keep, op)
			}
		}
		if len(keep) == 0 {
			return nil
		}
		return k.s.provider.MultiMerge(ctx, keep)
	})
}

func (k storageSink) ClearAll(ctx context.Context) error {
	return k.s.persist(ctx, "clear", func(ctx context.Context, _ retry.Attempt) error {
		return k.s.provider.Clear(ctx)
	})
}

// persist runs a storage write. Capacity and transient failures are
// recovered or dropped with diagnostics; only invalid data is returned.
func (s *store) persist(ctx context.Context, op string, fn func(context.Context, retry.Attempt) error) error {
	err := s.retry.Run(ctx, op, fn)
	if err == nil {
		return nil
	}
	var dropped *retry.DroppedError
	switch {
	case errors.As(err, &dropped):
		s.log.Error("storage write dropped", Fields{
			"op":       op,
			"reason":   dropped.Reason,
			"attempts": dropped.Attempts,
			"err":      dropped.Err.Error(),
		})
		s.hooks.WriteDropped(op, dropped.Reason, dropped.Err)
		if pr.IsCapacity(dropped.Err) {
			s.reportQuota(ctx)
		}
		return nil
	case retry.Classify(err) == retry.ClassInvalid:
		s.log.Error("storage rejected value", Fields{"op": op, "err": err.Error()})
		s.hooks.WriteDropped(op, "invalid_data", err)
		return &ValidationError{Op: op, Err: err}
	default:
		return err
	}
}

func (s *store) victim() (string, bool) {
	return s.evict.Victim(s.cache.RecentKeys())
}

// evictForCapacity removes key from memory and storage to make room.
func (s *store) evictForCapacity(ctx context.Context, key string) error {
	var o outbox
	s.mu.Lock()
	s.cancelMergeLocked(key)
	s.cache.Drop(key)
	s.cache.AddNullishKey(key)
	s.usage.Forget(key)
	s.buf.Remove(key)
	s.keyChangedLocked(&o, key, nil)
	s.mu.Unlock()
	// not on the flush goroutine: a callback may call Flush
	go s.queue.Drain()
	return s.provider.RemoveItem(ctx, key)
}

func (s *store) onCapacityEvict(op, key string, cause error) {
	s.log.Warn("evicted key to free storage", Fields{"op": op, "key": key, "err": cause.Error()})
	s.hooks.KeyEvicted(key, "capacity")
	s.reportQuota(context.Background())
}

func (s *store) reportQuota(ctx context.Context) {
	size, err := s.provider.GetDatabaseSize(ctx)
	if err != nil {
		s.log.Debug("storage size unavailable", Fields{"err": err.Error()})
		return
	}
	s.log.Info("storage quota", Fields{"used": size.Used, "remaining": size.Remaining})
	s.hooks.QuotaReported(size.Used, size.Remaining)
}

// trimRecent caps the recency list at MaxCachedKeys, dropping the cached
// values of the least recently used unblocked keys. Storage keeps them.
func (s *store) trimRecent() {
	s.mu.Lock()
	dropped := s.cache.RemoveLeastRecentlyUsedKeys(s.maxCached, s.evict.Blocks().Blocked)
	for _, k := range dropped {
		s.usage.Forget(k)
	}
	s.mu.Unlock()
	for _, k := range dropped {
		s.log.Debug("dropped least recently used key from memory", Fields{"key": k})
		s.hooks.KeyEvicted(k, "lru")
	}
}

// sweep drops evictable keys idle longer than MaxIdle or older than MaxAge
// from memory.
func (s *store) sweep() {
	for _, k := range s.usage.Stale(s.maxIdle, 0) {
		s.sweepKey(k, "idle")
	}
	for _, k := range s.usage.Stale(0, s.maxAge) {
		s.sweepKey(k, "age")
	}
}

func (s *store) sweepKey(key, reason string) {
	if s.evict.Blocks().Blocked(key) || !s.evict.IsEvictable(key) {
		return
	}
	s.mu.Lock()
	if _, busy := s.merges[key]; busy {
		s.mu.Unlock()
		return
	}
	s.cache.Forget(key)
	s.usage.Forget(key)
	s.mu.Unlock()
	s.log.Debug("swept key from memory", Fields{"key": key, "reason": reason})
	s.hooks.KeyEvicted(key, reason)
}
