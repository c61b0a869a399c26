package statekv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/statekv/internal/batch"
	"github.com/unkn0wn-root/statekv/internal/cache"
	"github.com/unkn0wn-root/statekv/internal/eviction"
	"github.com/unkn0wn-root/statekv/internal/keyspace"
	"github.com/unkn0wn-root/statekv/internal/retry"
	"github.com/unkn0wn-root/statekv/internal/subscription"
	"github.com/unkn0wn-root/statekv/internal/writebuf"
	"github.com/unkn0wn-root/statekv/merge"
	pr "github.com/unkn0wn-root/statekv/provider"
	"github.com/unkn0wn-root/statekv/provider/memory"
)

// collectionReadLimit bounds concurrent member reads of one collection.
const collectionReadLimit = 16

type store struct {
	provider pr.Provider // replaced by the fallback during init only
	fallback pr.Provider
	log      Logger
	hooks    Hooks
	defaults map[string]any

	space   *keyspace.Space
	cache   *cache.Cache
	buf     *writebuf.Buffer
	subs    *subscription.Registry
	evict   *eviction.Manager
	usage   *eviction.Usage
	retry   *retry.Coordinator
	queue   *batch.Queue
	batcher *batch.Batcher

	maxCached     int
	maxIdle       time.Duration
	maxAge        time.Duration
	sweepInterval time.Duration
	syncInstances bool

	ready *gate

	// mu orders every change to shared state and the notifications it
	// produces. It is never held across storage I/O or callbacks.
	mu     sync.Mutex
	merges map[string]*mergeQueue

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*store)(nil)

func newStore(opts Options) (*store, error) {
	if opts.Provider == nil {
		return nil, errors.New("statekv: provider is required")
	}

	defaults := make(map[string]any, len(opts.InitialKeyStates))
	for k, v := range opts.InitialKeyStates {
		n, err := merge.Normalize(v)
		if err != nil {
			return nil, &ValidationError{Key: k, Op: "init", Err: err}
		}
		if n == nil || merge.IsUndefined(n) {
			continue
		}
		defaults[k] = merge.RemoveNestedNulls(n)
	}

	s := &store{
		provider:      opts.Provider,
		fallback:      opts.Fallback,
		defaults:      defaults,
		subs:          subscription.NewRegistry(),
		usage:         eviction.NewUsage(),
		maxIdle:       opts.MaxIdle,
		maxAge:        opts.MaxAge,
		syncInstances: opts.SyncInstances,
		ready:         newGate(),
		merges:        make(map[string]*mergeQueue),
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.maxCached = coalesce(opts.MaxCachedKeys, defaultMaxCachedKeys)
	s.sweepInterval = opts.SweepInterval
	if s.sweepInterval <= 0 {
		s.sweepInterval = shortestPositive(opts.MaxIdle, opts.MaxAge)
	}
	sep := coalesce(opts.KeySeparator, defaultSeparator)

	s.space = keyspace.New(opts.CollectionKeys)
	s.evict = eviction.NewManager(opts.EvictableKeys, sep, s.space.IsCollectionKey, nil)
	s.cache = cache.New(cache.Config{
		Evictable:       s.evict.IsEvictable,
		IsCollectionKey: s.space.IsCollectionKey,
	})
	s.queue = &batch.Queue{OnPanic: s.onPanic}
	s.batcher = batch.NewBatcher(opts.BatchDelay, opts.Batch, s.onPanic)
	s.retry = retry.New(retry.Config{
		MaxRetries: coalesce(opts.MaxRetries, defaultMaxRetries),
		Victim:     s.victim,
		Evict:      s.evictForCapacity,
		OnEvict:    s.onCapacityEvict,
	})
	s.buf = writebuf.New(storageSink{s: s}, writebuf.Options{
		Delay:   coalesce(opts.FlushDelay, defaultFlushDelay),
		OnError: s.onFlushError,
	})

	go s.init(context.Background())
	return s, nil
}

func shortestPositive(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0 || a < b:
		return a
	default:
		return b
	}
}

// init opens the gate once storage, the eviction bootstrap and defaults are
// in place. Callbacks queued meanwhile run after the gate opens so they may
// use the store.
func (s *store) init(ctx context.Context) {
	if err := s.provider.Init(ctx); err != nil {
		name := s.provider.Name()
		fb := s.fallback
		if fb == nil {
			fb = memory.New(memory.Config{})
		}
		s.log.Warn("storage provider failed to initialize; using fallback",
			Fields{"provider": name, "fallback": fb.Name(), "err": err.Error()})
		s.hooks.StorageDegraded(name, err)
		if ferr := fb.Init(ctx); ferr != nil {
			s.log.Error("fallback provider failed to initialize", Fields{"provider": fb.Name(), "err": ferr.Error()})
		}
		s.provider = fb
	}

	s.bootstrapEvictable(ctx)
	s.applyDefaults(ctx)
	if s.syncInstances {
		s.startSync(ctx)
	}
	if s.maxIdle > 0 || s.maxAge > 0 {
		s.usage.Start(s.sweepInterval, s.sweep)
	}
	s.ready.open()
	s.queue.Drain()
}

// bootstrapEvictable enters every stored evictable key into the recency
// list so eviction can pick keys nobody has touched yet.
func (s *store) bootstrapEvictable(ctx context.Context) {
	keys, err := s.cache.AllKeys(ctx, s.provider.GetAllKeys)
	if err != nil {
		s.log.Warn("could not list stored keys", Fields{"err": err.Error()})
		return
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s.evict.IsEvictable(k) && !s.space.IsCollectionKey(k) {
			s.touch(k)
		}
	}
}

// applyDefaults merges InitialKeyStates over the stored values, defaults
// winning, and broadcasts the result. Nothing is written back.
func (s *store) applyDefaults(ctx context.Context) {
	if len(s.defaults) == 0 {
		return
	}
	keys := sortedKeys(s.defaults)
	stored := make(map[string]any, len(keys))
	pairs, err := s.provider.MultiGet(ctx, keys)
	if err != nil {
		s.log.Warn("could not read stored values of default keys", Fields{"err": err.Error()})
	}
	for _, kv := range pairs {
		if v, err := merge.Normalize(kv.Value); err == nil {
			stored[kv.Key] = v
		}
	}

	var o outbox
	s.mu.Lock()
	for _, k := range keys {
		v := merge.Merge(stored[k], s.defaults[k], merge.Options{RemoveNestedNulls: true}).Value
		s.cache.Set(k, v)
		s.touch(k)
		s.keyChangedLocked(&o, k, v)
	}
	s.mu.Unlock()
}

func (s *store) startSync(ctx context.Context) {
	syncer, ok := s.provider.(pr.InstanceSyncer)
	if !ok {
		s.log.Warn("provider cannot sync instances", Fields{"provider": s.provider.Name()})
		return
	}
	if err := syncer.KeepInstancesSync(ctx, s.externalChange); err != nil {
		s.log.Warn("instance sync failed to start", Fields{"provider": s.provider.Name(), "err": err.Error()})
	}
}

// externalChange applies a change made by another instance. It updates the
// cache and subscribers only; the change is already in storage.
func (s *store) externalChange(key string, value any) {
	v, err := merge.Normalize(value)
	if err != nil {
		s.log.Warn("ignoring malformed external change", Fields{"key": key, "err": err.Error()})
		return
	}
	var o outbox
	s.mu.Lock()
	if v == nil {
		s.cache.Drop(key)
		s.cache.AddNullishKey(key)
		s.usage.Forget(key)
	} else {
		s.cache.Set(key, v)
		s.touch(key)
	}
	s.keyChangedLocked(&o, key, v)
	s.mu.Unlock()
	s.queue.Drain()
}

// begin guards every public operation.
func (s *store) begin(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.ready.wait(ctx)
}

func (s *store) normalize(key, op string, v any) (any, error) {
	n, err := merge.Normalize(v)
	if err != nil {
		return nil, &ValidationError{Key: key, Op: op, Err: err}
	}
	return n, nil
}

func (s *store) touch(key string) {
	s.cache.AddLastAccessedKey(key)
	if s.evict.IsEvictable(key) && !s.space.IsCollectionKey(key) {
		s.usage.Touch(key)
	}
}

func (s *store) Get(ctx context.Context, key string) (any, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	if s.space.IsCollectionKey(key) {
		m, err := s.collection(ctx, key)
		if err != nil || len(m) == 0 {
			return nil, err
		}
		return merge.Clone(m), nil
	}
	v, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	return merge.Clone(v), nil
}

func (s *store) GetAllKeys(ctx context.Context) ([]string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	keys, err := s.cache.AllKeys(ctx, s.provider.GetAllKeys)
	if err != nil {
		return nil, fmt.Errorf("statekv: get all keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// read resolves key from the cache, the write buffer or storage. Concurrent
// storage reads of one key share a single provider call. The result is
// shared with the cache.
func (s *store) read(ctx context.Context, key string) (any, error) {
	if v, ok := s.cache.Get(key); ok {
		s.touch(key)
		return v, nil
	}
	if s.cache.HasNullishKey(key) {
		return nil, nil
	}
	if v, ok := s.buf.Get(key); ok {
		return v, nil
	}

	v, err := s.cache.Capture(cache.ReadTaskName(key), func() (any, error) {
		raw, ok, err := s.provider.GetItem(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		var v any
		if ok {
			if v, err = merge.Normalize(raw); err != nil {
				s.log.Warn("ignoring malformed stored value", Fields{"key": key, "err": err.Error()})
				v = nil
			}
		}
		// merges flushed but maybe not yet applied by storage
		for _, p := range s.buf.PendingPatches(key) {
			v = merge.ApplyBatch(v, p).Value
		}
		if !s.cache.SetIfAbsent(key, v) {
			cur, _ := s.cache.Get(key)
			return cur, nil
		}
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("statekv: get %q: %w", key, err)
	}
	return v, nil
}

// collection reads every member of collectionKey.
func (s *store) collection(ctx context.Context, collectionKey string) (map[string]any, error) {
	keys, err := s.cache.AllKeys(ctx, s.provider.GetAllKeys)
	if err != nil {
		return nil, fmt.Errorf("statekv: get %q: %w", collectionKey, err)
	}
	var (
		mu  sync.Mutex
		out = make(map[string]any)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectionReadLimit)
	for _, k := range keys {
		if !keyspace.IsMember(collectionKey, k) {
			continue
		}
		g.Go(func() error {
			v, err := s.read(gctx, k)
			if err != nil || v == nil {
				return err
			}
			mu.Lock()
			out[k] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// peekLocked returns what the cache currently knows about key.
func (s *store) peekLocked(key string) (v any, known bool) {
	if v, ok := s.cache.Get(key); ok {
		return v, true
	}
	return nil, s.cache.HasNullishKey(key)
}

func (s *store) Flush(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	return s.buf.FlushNow(ctx)
}

// Close delivers pending notifications, flushes pending writes and closes
// the provider. Safe to call multiple times; repeated calls return the
// first result.
func (s *store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.ready.wait(ctx); err != nil {
			s.closeErr = err
			return
		}
		s.usage.Close()
		s.buf.Stop()
		s.batcher.Flush()
		s.log.Debug("closing store", Fields{"pending_writes": s.buf.Len()})
		flushErr := s.buf.FlushNow(ctx)
		s.closeErr = errors.Join(flushErr, s.provider.Close(ctx))
	})
	return s.closeErr
}

func (s *store) onPanic(r any) {
	s.log.Error("subscriber callback panicked", Fields{"panic": fmt.Sprint(r)})
}

func (s *store) onFlushError(err error) {
	s.log.Error("background flush failed", Fields{"err": err.Error()})
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
