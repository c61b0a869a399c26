// Package batch schedules subscriber notifications.
//
// Queue delivers immediately, in FIFO order, on the goroutine that first
// finds it idle. A callback that triggers more notifications just enqueues
// them; they run after it returns, never nested inside it.
//
// Batcher defers delivery to a shared tick. All updates scheduled before
// the tick fires join the same flush and share one done channel; only the
// latest update per dedup key is delivered.
package batch

import (
	"sync"
	"time"
)

// PanicFunc receives a value recovered from a callback.
type PanicFunc func(recovered any)

func call(fn func(), onPanic PanicFunc) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	fn()
}

// Queue is an immediate FIFO trampoline.
type Queue struct {
	OnPanic PanicFunc

	mu       sync.Mutex
	items    []func()
	draining bool
}

// Push enqueues fn without running anything. Callers holding their own
// lock push under it to fix the order, then Drain after unlocking.
func (q *Queue) Push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
}

// Drain runs queued callbacks unless another goroutine is draining already.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.items) > 0 {
		next := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		call(next, q.OnPanic)
		q.mu.Lock()
	}
	q.items = nil
	q.draining = false
	q.mu.Unlock()
}

// Batcher coalesces deferred updates into one flush per tick.
type Batcher struct {
	delay   time.Duration
	wrap    func(func())
	onPanic PanicFunc

	mu      sync.Mutex
	order   []string
	pending map[string]func()
	done    chan struct{}
	timer   *time.Timer
}

// NewBatcher creates a Batcher. wrap, if not nil, runs around each flush
// (a UI layer can use it to render once per batch).
func NewBatcher(delay time.Duration, wrap func(func()), onPanic PanicFunc) *Batcher {
	if wrap == nil {
		wrap = func(f func()) { f() }
	}
	return &Batcher{
		delay:   delay,
		wrap:    wrap,
		onPanic: onPanic,
		pending: make(map[string]func()),
	}
}

// Schedule queues fn under key and returns the channel closed once the
// flush carrying it has run. A later fn under the same key replaces an
// earlier one still pending.
func (b *Batcher) Schedule(key string, fn func()) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[key]; !ok {
		b.order = append(b.order, key)
	}
	b.pending[key] = fn
	return b.gateLocked()
}

func (b *Batcher) gateLocked() chan struct{} {
	if b.done == nil {
		b.done = make(chan struct{})
		b.timer = time.AfterFunc(b.delay, b.Flush)
	}
	return b.done
}

// Flush runs the current window now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	done := b.done
	order, pending := b.order, b.pending
	b.done = nil
	b.order = nil
	b.pending = make(map[string]func())
	b.mu.Unlock()

	if done == nil {
		return
	}
	if len(order) > 0 {
		b.wrap(func() {
			for _, k := range order {
				call(pending[k], b.onPanic)
			}
		})
	}
	close(done)
}
