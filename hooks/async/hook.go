// Package asynchook moves statekv hook calls off the caller's goroutine.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{EvictedEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	st, _ := statekv.New(statekv.Options{
//	    Provider: provider,
//	    Hooks:    hooks, // or raw if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/statekv"
)

// Hooks forwards events to inner through a bounded queue. Events are
// dropped when the queue is full or after Close.
type Hooks struct {
	inner   statekv.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ statekv.Hooks = (*Hooks)(nil)

func New(inner statekv.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = statekv.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Safe to call multiple
// times.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped returns how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) KeyEvicted(k, r string)            { h.try(func() { h.inner.KeyEvicted(k, r) }) }
func (h *Hooks) StorageDegraded(p string, e error) { h.try(func() { h.inner.StorageDegraded(p, e) }) }
func (h *Hooks) QuotaReported(used, rem int64)     { h.try(func() { h.inner.QuotaReported(used, rem) }) }
func (h *Hooks) IncompatibleUpdate(k, m, ek, nk string) {
	h.try(func() { h.inner.IncompatibleUpdate(k, m, ek, nk) })
}
func (h *Hooks) WriteDropped(op, r string, err error) {
	h.try(func() { h.inner.WriteDropped(op, r, err) })
}
