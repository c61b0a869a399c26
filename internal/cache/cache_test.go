package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestCache() *Cache {
	return New(Config{
		Evictable:       func(k string) bool { return strings.HasPrefix(k, "ev_") },
		IsCollectionKey: func(k string) bool { return k == "ev_" },
	})
}

func TestSetGetDrop(t *testing.T) {
	c := newTestCache()
	c.Set("a", "x")
	if v, ok := c.Get("a"); !ok || v != "x" {
		t.Fatalf("Get: %v %v", v, ok)
	}
	c.Set("a", nil)
	if c.Has("a") || !c.HasNullishKey("a") {
		t.Fatalf("nil set must mark the key as known absent")
	}
	c.Set("a", "y")
	if c.HasNullishKey("a") {
		t.Fatalf("set must clear the nullish mark")
	}
	c.Drop("a")
	if c.Has("a") {
		t.Fatalf("drop left the value behind")
	}
	for _, k := range c.KnownKeys() {
		if k == "a" {
			t.Fatalf("drop left the key in the key set")
		}
	}
}

func TestForgetKeepsKeyKnown(t *testing.T) {
	c := newTestCache()
	c.Set("ev_1", "x")
	c.Forget("ev_1")
	if c.Has("ev_1") || c.HasNullishKey("ev_1") {
		t.Fatalf("forget must drop the value without marking the key absent")
	}
	if diff := cmp.Diff([]string{"ev_1"}, c.KnownKeys()); diff != "" {
		t.Fatalf("known keys (-want +got):\n%s", diff)
	}
	if got := len(c.RecentKeys()); got != 0 {
		t.Fatalf("forget left %d recency entries", got)
	}
}

func TestSetIfAbsent(t *testing.T) {
	c := newTestCache()
	if !c.SetIfAbsent("k", 1.0) {
		t.Fatalf("first SetIfAbsent must store")
	}
	if c.SetIfAbsent("k", 2.0) {
		t.Fatalf("second SetIfAbsent must not overwrite")
	}
	c.Set("gone", nil)
	if c.SetIfAbsent("gone", "late read") {
		t.Fatalf("SetIfAbsent must not resurrect a deleted key")
	}
}

func TestMergeIntoCache(t *testing.T) {
	c := newTestCache()
	c.Set("a", map[string]any{"x": 1.0, "y": 2.0})
	c.Merge(map[string]any{
		"a": map[string]any{"y": nil, "z": 3.0},
		"b": []any{"new"},
		"c": nil,
	})
	a, _ := c.Get("a")
	if diff := cmp.Diff(map[string]any{"x": 1.0, "z": 3.0}, a); diff != "" {
		t.Fatalf("merged value (-want +got):\n%s", diff)
	}
	if b, _ := c.Get("b"); !cmp.Equal(b, []any{"new"}) {
		t.Fatalf("new key not created: %v", b)
	}
	if !c.HasNullishKey("c") {
		t.Fatalf("null member must be recorded as absent")
	}
}

func TestHasValueChanged(t *testing.T) {
	c := newTestCache()
	c.Set("a", map[string]any{"n": 1.0})
	if c.HasValueChanged("a", map[string]any{"n": 1.0}) {
		t.Fatalf("deep-equal value reported as changed")
	}
	if !c.HasValueChanged("a", map[string]any{"n": 2.0}) {
		t.Fatalf("different value reported as unchanged")
	}
}

func TestRecencyOnlyTracksEvictable(t *testing.T) {
	c := newTestCache()
	c.Set("plain", 1.0)
	c.Set("ev_", 1.0)
	c.Set("ev_1", 1.0)
	c.Set("ev_2", 1.0)
	c.AddLastAccessedKey("ev_1")
	if diff := cmp.Diff([]string{"ev_2", "ev_1"}, c.RecentKeys()); diff != "" {
		t.Fatalf("recency (-want +got):\n%s", diff)
	}
	c.Drop("ev_2")
	if diff := cmp.Diff([]string{"ev_1"}, c.RecentKeys()); diff != "" {
		t.Fatalf("recency (-want +got):\n%s", diff)
	}
}

func TestRemoveLeastRecentlyUsedKeys(t *testing.T) {
	const limit, extra = 3, 2
	c := newTestCache()
	for i := 0; i < limit+extra; i++ {
		c.Set(fmt.Sprintf("ev_%d", i), float64(i))
	}
	blocked := map[string]bool{"ev_0": true}
	dropped := c.RemoveLeastRecentlyUsedKeys(limit, func(k string) bool { return blocked[k] })
	if diff := cmp.Diff([]string{"ev_1", "ev_2"}, dropped); diff != "" {
		t.Fatalf("dropped (-want +got):\n%s", diff)
	}
	if !c.Has("ev_0") {
		t.Fatalf("blocked key was evicted")
	}
	if c.Has("ev_1") || c.Has("ev_2") {
		t.Fatalf("evicted keys still cached")
	}
	if got := len(c.RecentKeys()); got != limit {
		t.Fatalf("recency size %d want %d", got, limit)
	}
	if dropped := c.RemoveLeastRecentlyUsedKeys(limit, nil); dropped != nil {
		t.Fatalf("nothing to trim, got %v", dropped)
	}
}

func TestCaptureSingleFlight(t *testing.T) {
	c := newTestCache()
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Capture(ReadTaskName("k"), func() (any, error) {
				calls.Add(1)
				close(started)
				<-release
				return "v", nil
			})
			if err != nil {
				t.Errorf("Capture: %v", err)
			}
			results[i] = v
		}(i)
		if i == 0 {
			<-started
			if !c.HasPendingTask(ReadTaskName("k")) {
				t.Fatalf("task must be pending while in flight")
			}
		}
	}
	// give the second caller time to join the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("want 1 underlying call, got %d", n)
	}
	if results[0] != "v" || results[1] != "v" {
		t.Fatalf("results: %v", results)
	}
	if c.HasPendingTask(ReadTaskName("k")) {
		t.Fatalf("task still pending after settle")
	}
}

func TestAllKeysLoadsOnce(t *testing.T) {
	c := newTestCache()
	c.Set("local", 1.0)
	var loads atomic.Int32
	load := func(context.Context) ([]string, error) {
		loads.Add(1)
		return []string{"a", "b"}, nil
	}
	for i := 0; i < 3; i++ {
		keys, err := c.AllKeys(context.Background(), load)
		if err != nil {
			t.Fatalf("AllKeys: %v", err)
		}
		if len(keys) != 3 {
			t.Fatalf("want 3 keys, got %v", keys)
		}
	}
	if loads.Load() != 1 {
		t.Fatalf("want one load, got %d", loads.Load())
	}
}
