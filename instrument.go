package statekv

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// instrumented times every public operation of the wrapped Store.
type instrumented struct {
	next Store
	rec  Recorder
}

var _ Store = (*instrumented)(nil)

// record is deferred with a pointer to the named result so it sees the
// final error.
func (i *instrumented) record(op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	i.rec.Record(op, time.Since(start), err)
}

func (i *instrumented) Get(ctx context.Context, key string) (v any, err error) {
	defer i.record("get", time.Now(), &err)
	return i.next.Get(ctx, key)
}

func (i *instrumented) GetAllKeys(ctx context.Context) (keys []string, err error) {
	defer i.record("getAllKeys", time.Now(), &err)
	return i.next.GetAllKeys(ctx)
}

func (i *instrumented) Set(ctx context.Context, key string, value any) (err error) {
	defer i.record("set", time.Now(), &err)
	return i.next.Set(ctx, key, value)
}

func (i *instrumented) MultiSet(ctx context.Context, values map[string]any) (err error) {
	defer i.record("multiSet", time.Now(), &err)
	return i.next.MultiSet(ctx, values)
}

func (i *instrumented) Merge(ctx context.Context, key string, patch any) (err error) {
	defer i.record("merge", time.Now(), &err)
	return i.next.Merge(ctx, key, patch)
}

func (i *instrumented) MergeCollection(ctx context.Context, collectionKey string, members map[string]any) (err error) {
	defer i.record("mergeCollection", time.Now(), &err)
	return i.next.MergeCollection(ctx, collectionKey, members)
}

func (i *instrumented) SetCollection(ctx context.Context, collectionKey string, members map[string]any) (err error) {
	defer i.record("setCollection", time.Now(), &err)
	return i.next.SetCollection(ctx, collectionKey, members)
}

func (i *instrumented) Clear(ctx context.Context, keysToPreserve []string) (err error) {
	defer i.record("clear", time.Now(), &err)
	return i.next.Clear(ctx, keysToPreserve)
}

func (i *instrumented) Update(ctx context.Context, updates []Update) (err error) {
	defer i.record("update", time.Now(), &err)
	return i.next.Update(ctx, updates)
}

func (i *instrumented) Connect(opts ConnectOptions) (id SubscriptionID, err error) {
	defer i.record("connect", time.Now(), &err)
	return i.next.Connect(opts)
}

func (i *instrumented) Disconnect(id SubscriptionID) {
	defer i.record("disconnect", time.Now(), nil)
	i.next.Disconnect(id)
}

func (i *instrumented) AddToEvictionBlockList(key string, id SubscriptionID) {
	i.next.AddToEvictionBlockList(key, id)
}

func (i *instrumented) RemoveFromEvictionBlockList(key string, id SubscriptionID) {
	i.next.RemoveFromEvictionBlockList(key, id)
}

func (i *instrumented) Flush(ctx context.Context) (err error) {
	defer i.record("flush", time.Now(), &err)
	return i.next.Flush(ctx)
}

func (i *instrumented) Close(ctx context.Context) (err error) {
	defer i.record("close", time.Now(), &err)
	return i.next.Close(ctx)
}

// OpStats is a snapshot of one operation's counters.
type OpStats struct {
	Calls  uint64
	Errors uint64
	Total  time.Duration
	Max    time.Duration
}

type opCounters struct {
	calls  atomic.Uint64
	errors atomic.Uint64
	total  atomic.Int64
	max    atomic.Int64
}

// StatsRecorder is a Recorder keeping per-operation counters in memory.
type StatsRecorder struct {
	mu  sync.RWMutex
	ops map[string]*opCounters
}

var _ Recorder = (*StatsRecorder)(nil)

func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{ops: make(map[string]*opCounters)}
}

func (r *StatsRecorder) counters(op string) *opCounters {
	r.mu.RLock()
	c, ok := r.ops[op]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.ops[op]; !ok {
		c = &opCounters{}
		r.ops[op] = c
	}
	return c
}

func (r *StatsRecorder) Record(op string, d time.Duration, err error) {
	c := r.counters(op)
	c.calls.Add(1)
	if err != nil {
		c.errors.Add(1)
	}
	c.total.Add(int64(d))
	for {
		cur := c.max.Load()
		if int64(d) <= cur || c.max.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
}

// Snapshot returns the counters of every operation seen so far.
func (r *StatsRecorder) Snapshot() map[string]OpStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]OpStats, len(r.ops))
	for op, c := range r.ops {
		out[op] = OpStats{
			Calls:  c.calls.Load(),
			Errors: c.errors.Load(),
			Total:  time.Duration(c.total.Load()),
			Max:    time.Duration(c.max.Load()),
		}
	}
	return out
}

// Ops returns the recorded operation names, sorted.
func (r *StatsRecorder) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ops))
	for op := range r.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
