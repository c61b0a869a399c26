// Package writebuf coalesces pending writes per key and flushes them to
// storage in batches.
//
// Each key holds at most one entry:
//
//	absent --Set--> Set       Set   --Merge--> Set (patch applied in place)
//	absent --Merge-> Merge    Merge --Merge--> Merge (patches composed)
//	any    --Set--> Set       any   --Remove-> absent
//
// A flush snapshots the buffer. Set entries stay visible for read-through
// and are cleared afterwards only if they were not replaced meanwhile.
// Merge entries leave the buffer when the flush starts, so a patch arriving
// mid-flush opens a fresh entry instead of being applied twice.
package writebuf

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/statekv/merge"
	"github.com/unkn0wn-root/statekv/provider"
)

// DefaultDelay bounds how long a write waits before it is flushed.
const DefaultDelay = 200 * time.Millisecond

// Kind of a buffered entry.
type Kind uint8

const (
	KindSet Kind = iota + 1
	KindMerge
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Sink receives flushed batches. SetBatch and MergeBatch may run
// concurrently; ClearAll always runs alone, before them.
type Sink interface {
	SetBatch(ctx context.Context, items []provider.KeyValue) error
	MergeBatch(ctx context.Context, ops []provider.MergeOp) error
	ClearAll(ctx context.Context) error
}

type entry struct {
	kind    Kind
	value   any
	patches []merge.ReplacePatch
}

// Buffer is the write-behind queue. The zero value is not usable; call New.
type Buffer struct {
	sink    Sink
	delay   time.Duration
	onError func(err error)

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string][]any // merge patches being flushed
	timer    *time.Timer
	flushing chan struct{}
	clearing bool // storage must be wiped before the next batches
	stopped  bool
}

// Options for New.
type Options struct {
	// Delay is the maximum time a write waits for a flush. 0 => DefaultDelay.
	Delay time.Duration

	// OnError receives errors from timer-driven flushes.
	OnError func(err error)
}

func New(sink Sink, opts Options) *Buffer {
	b := &Buffer{
		sink:     sink,
		delay:    opts.Delay,
		onError:  opts.OnError,
		entries:  make(map[string]*entry),
		inflight: make(map[string][]any),
	}
	if b.delay <= 0 {
		b.delay = DefaultDelay
	}
	if b.onError == nil {
		b.onError = func(error) {}
	}
	return b
}

// Set overwrites any pending entry with a full value.
func (b *Buffer) Set(key string, value any) {
	b.mu.Lock()
	b.entries[key] = &entry{kind: KindSet, value: value}
	b.scheduleLocked()
	b.mu.Unlock()
}

// Merge stages a composed patch for key. A non-object patch cannot be
// merged by storage and is staged as a Set.
func (b *Buffer) Merge(key string, patch any, patches []merge.ReplacePatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.scheduleLocked()

	if _, ok := patch.(map[string]any); !ok {
		b.entries[key] = &entry{kind: KindSet, value: patch}
		return
	}

	cur, ok := b.entries[key]
	switch {
	case !ok:
		b.entries[key] = &entry{kind: KindMerge, value: patch, patches: patches}
	case cur.kind == KindSet:
		v := merge.ApplyBatch(cur.value, patch).Value
		b.entries[key] = &entry{kind: KindSet, value: v}
	default:
		r := merge.Merge(cur.value, patch, merge.Options{Mode: merge.ModeMark})
		b.entries[key] = &entry{kind: KindMerge, value: r.Value, patches: r.ReplacePatches}
	}
}

// Remove forgets a pending write. It does not write a deletion.
func (b *Buffer) Remove(key string) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

// Get returns the pending full value for key. Merge entries are fragments
// and are not returned.
func (b *Buffer) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.kind != KindSet {
		return nil, false
	}
	return e.value, true
}

// PendingPatches returns merge patches for key that storage may not have
// applied yet, oldest first. Merge patches are idempotent, so applying one
// that storage already has is harmless.
func (b *Buffer) PendingPatches(key string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]any(nil), b.inflight[key]...)
	if e, ok := b.entries[key]; ok && e.kind == KindMerge {
		out = append(out, e.value)
	}
	return out
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// ClearStorage replaces every pending entry with items and makes the next
// flush wipe storage before writing them. Writes staged afterwards land
// after the wipe.
func (b *Buffer) ClearStorage(items []provider.KeyValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*entry, len(items))
	b.inflight = make(map[string][]any)
	for _, it := range items {
		b.entries[it.Key] = &entry{kind: KindSet, value: it.Value}
	}
	b.clearing = true
	b.scheduleLocked()
}

// Stop cancels the flush timer. Pending entries are kept; call FlushNow to
// write them.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}

func (b *Buffer) scheduleLocked() {
	if b.stopped || b.timer != nil || b.flushing != nil || (len(b.entries) == 0 && !b.clearing) {
		return
	}
	b.timer = time.AfterFunc(b.delay, func() {
		if err := b.FlushNow(context.Background()); err != nil {
			b.onError(err)
		}
	})
}

// FlushNow writes every pending entry. A call made while another flush is
// running waits for it and then flushes what is left.
func (b *Buffer) FlushNow(ctx context.Context) error {
	for {
		b.mu.Lock()
		if ch := b.flushing; ch != nil {
			b.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		if len(b.entries) == 0 && !b.clearing {
			b.mu.Unlock()
			return nil
		}
		wipe := b.clearing
		b.clearing = false

		sets := make(map[string]*entry)
		var setBatch []provider.KeyValue
		var mergeBatch []provider.MergeOp
		for _, k := range sortedKeys(b.entries) {
			e := b.entries[k]
			if e.kind == KindSet {
				sets[k] = e
				setBatch = append(setBatch, provider.KeyValue{Key: k, Value: e.value})
				continue
			}
			mergeBatch = append(mergeBatch, provider.MergeOp{Key: k, Patch: e.value, ReplacePatches: e.patches})
			b.inflight[k] = append(b.inflight[k], e.value)
			delete(b.entries, k)
		}
		done := make(chan struct{})
		b.flushing = done
		b.mu.Unlock()

		var err error
		if wipe {
			err = b.sink.ClearAll(ctx)
		}
		if err == nil {
			err = b.write(ctx, setBatch, mergeBatch)
		}

		b.mu.Lock()
		for k, e := range sets {
			if b.entries[k] == e {
				delete(b.entries, k)
			}
		}
		for _, op := range mergeBatch {
			delete(b.inflight, op.Key)
		}
		b.flushing = nil
		close(done)
		b.scheduleLocked()
		b.mu.Unlock()
		return err
	}
}

// write runs the set and merge batches side by side. Both always run to
// completion; the first failure is returned.
func (b *Buffer) write(ctx context.Context, sets []provider.KeyValue, merges []provider.MergeOp) error {
	var g errgroup.Group
	if len(sets) > 0 {
		g.Go(func() error { return b.sink.SetBatch(ctx, sets) })
	}
	if len(merges) > 0 {
		g.Go(func() error { return b.sink.MergeBatch(ctx, merges) })
	}
	return g.Wait()
}

func sortedKeys(m map[string]*entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
