package statekv

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	pr "github.com/unkn0wn-root/statekv/provider"
)

func TestSetCoalescesWrites(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	s := newTestStore(t, p, nil)

	for _, v := range []string{"A", "B"} {
		if err := s.Set(ctx, "k", v); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := [][]pr.KeyValue{{{Key: "k", Value: "B"}}}
	if diff := cmp.Diff(want, p.setCalls()); diff != "" {
		t.Fatalf("storage writes (-want +got):\n%s", diff)
	}
}

func TestSetUnchangedValueSkipsWrite(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	s := newTestStore(t, p, nil)
	if err := s.Set(ctx, "k", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Set(ctx, "k", map[string]any{"a": 1.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(p.setCalls()); n != 1 {
		t.Fatalf("want one write, got %d", n)
	}
}

func TestSetNilRemoves(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "k", "v")
	s := newTestStore(t, p, nil)
	if err := s.Set(ctx, "k", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := mustGet(t, s, "k"); got != nil {
		t.Fatalf("want nil after removal, got %v", got)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := p.stored(t, "k"); got != nil {
		t.Fatalf("storage still holds %v", got)
	}
	if n := p.getCount("k"); n != 0 {
		t.Fatalf("a removed key must not be read from storage, got %d reads", n)
	}
}

func TestSetStripsNestedNulls(t *testing.T) {
	s := newTestStore(t, newFakeProvider(0), nil)
	if err := s.Set(context.Background(), "k", map[string]any{"a": 1, "b": nil}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"a": 1.0}, mustGet(t, s, "k")); diff != "" {
		t.Fatalf("value (-want +got):\n%s", diff)
	}
}

func TestSetRejectsUnsupportedValues(t *testing.T) {
	s := newTestStore(t, newFakeProvider(0), nil)
	err := s.Set(context.Background(), "k", math.NaN())
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Key != "k" || ve.Op != "set" {
		t.Fatalf("want ValidationError for k, got %v", err)
	}
	if got := mustGet(t, s, "k"); got != nil {
		t.Fatalf("rejected value was stored: %v", got)
	}
}

func TestMergeAfterSet(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	s := newTestStore(t, p, nil)
	if err := s.Set(ctx, "k", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Merge(ctx, "k", map[string]any{"b": 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := map[string]any{"a": 1.0, "b": 2.0}
	if diff := cmp.Diff(want, mustGet(t, s, "k")); diff != "" {
		t.Fatalf("cached (-want +got):\n%s", diff)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff(want, p.stored(t, "k")); diff != "" {
		t.Fatalf("stored (-want +got):\n%s", diff)
	}
}

func TestMergeNestedNullDeletes(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "k", map[string]any{"a": 1.0, "b": map[string]any{"c": 1.0, "d": 2.0}})
	s := newTestStore(t, p, nil)
	if err := s.Merge(ctx, "k", map[string]any{"b": map[string]any{"c": nil}, "a": nil}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := map[string]any{"b": map[string]any{"d": 2.0}}
	if diff := cmp.Diff(want, mustGet(t, s, "k")); diff != "" {
		t.Fatalf("cached (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, p.stored(t, "k")); diff != "" {
		t.Fatalf("stored (-want +got):\n%s", diff)
	}
}

// queuedMerges waits until n merges of key are waiting for their base.
func queuedMerges(t *testing.T, s *store, key string, n int) {
	t.Helper()
	eventually(t, "queued merges", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		q, ok := s.merges[key]
		return ok && len(q.changes) == n
	})
}

func TestQueuedMergesReplaceNulledObject(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "k", map[string]any{"x": map[string]any{"a": 1.0, "b": 2.0}, "keep": true})
	s := newTestStore(t, p, nil)

	started, release := p.blockReads()
	errs := make(chan error, 2)
	go func() { errs <- s.Merge(ctx, "k", map[string]any{"x": nil}) }()
	<-started
	go func() { errs <- s.Merge(ctx, "k", map[string]any{"x": map[string]any{"y": 1}}) }()
	queuedMerges(t, s, "k", 2)
	release()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Merge: %v", err)
		}
	}

	want := map[string]any{"x": map[string]any{"y": 1.0}, "keep": true}
	if diff := cmp.Diff(want, mustGet(t, s, "k")); diff != "" {
		t.Fatalf("cached (-want +got):\n%s", diff)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff(want, p.stored(t, "k")); diff != "" {
		t.Fatalf("stored (-want +got):\n%s", diff)
	}
	if n := p.getCount("k"); n != 1 {
		t.Fatalf("queued merges must share one base read, got %d", n)
	}
}

func TestMergeSeesCollectionMergeDuringRead(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	s := collectionStore(t, p, nil)

	started, release := p.blockReads()
	errs := make(chan error, 1)
	go func() { errs <- s.Merge(ctx, "report_i", map[string]any{"m": 1}) }()
	<-started
	if err := s.MergeCollection(ctx, "report_", map[string]any{"report_i": map[string]any{"c": 1}}); err != nil {
		t.Fatalf("MergeCollection: %v", err)
	}
	release()
	if err := <-errs; err != nil {
		t.Fatalf("Merge: %v", err)
	}

	want := map[string]any{"c": 1.0, "m": 1.0}
	if diff := cmp.Diff(want, mustGet(t, s, "report_i")); diff != "" {
		t.Fatalf("cached (-want +got):\n%s", diff)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if diff := cmp.Diff(want, p.stored(t, "report_i")); diff != "" {
		t.Fatalf("stored (-want +got):\n%s", diff)
	}
}

func TestSetCancelsQueuedMerge(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "k", map[string]any{"old": true})
	s := newTestStore(t, p, nil)

	started, release := p.blockReads()
	errs := make(chan error, 1)
	go func() { errs <- s.Merge(ctx, "k", map[string]any{"merged": true}) }()
	<-started
	if err := s.Set(ctx, "k", map[string]any{"set": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	release()
	if err := <-errs; err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"set": true}, mustGet(t, s, "k")); diff != "" {
		t.Fatalf("value (-want +got):\n%s", diff)
	}
}

func TestIncompatibleUpdateIsDropped(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	s := newTestStore(t, newFakeProvider(0), func(o *Options) { o.Hooks = hooks })
	if err := s.Set(ctx, "k", []any{1, 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Merge(ctx, "k", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Merge must not fail on shape conflicts: %v", err)
	}
	if err := s.Set(ctx, "k", "scalar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if diff := cmp.Diff([]any{1.0, 2.0}, mustGet(t, s, "k")); diff != "" {
		t.Fatalf("value (-want +got):\n%s", diff)
	}
	want := []hookEvent{
		{"incompatible", "k", "merge:array->object"},
		{"incompatible", "k", "set:array->scalar"},
	}
	if diff := cmp.Diff(want, hooks.named("incompatible")); diff != "" {
		t.Fatalf("hooks (-want +got):\n%s", diff)
	}
}

func TestMultiSet(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "gone", 1.0)
	s := newTestStore(t, p, nil)
	if err := s.MultiSet(ctx, map[string]any{"a": 1, "b": "two", "gone": nil}); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	keys, err := p.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("GetAllKeys: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Fatalf("stored keys (-want +got):\n%s", diff)
	}
}

func collectionStore(t *testing.T, p *fakeProvider, optsOpt func(*Options)) *store {
	t.Helper()
	return newTestStore(t, p, func(o *Options) {
		o.CollectionKeys = []string{"report_"}
		if optsOpt != nil {
			optsOpt(o)
		}
	})
}

func TestCollectionUpdatesCheckMembership(t *testing.T) {
	ctx := context.Background()
	s := collectionStore(t, newFakeProvider(0), nil)

	var le *LookupError
	if err := s.MergeCollection(ctx, "nope_", map[string]any{"nope_1": 1}); !errors.As(err, &le) {
		t.Fatalf("want LookupError, got %v", err)
	}
	err := s.SetCollection(ctx, "report_", map[string]any{"report_1": 1, "other": 2})
	if !errors.Is(err, ErrCollectionMismatch) {
		t.Fatalf("want ErrCollectionMismatch, got %v", err)
	}
	if got := mustGet(t, s, "report_1"); got != nil {
		t.Fatalf("rejected batch was applied: %v", got)
	}
}

func TestMergeCollection(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "report_1", map[string]any{"title": "a", "n": 1.0})
	p.seed(t, "report_2", map[string]any{"title": "b"})
	s := collectionStore(t, p, nil)

	err := s.MergeCollection(ctx, "report_", map[string]any{
		"report_1": map[string]any{"n": 2},
		"report_2": nil,
		"report_3": map[string]any{"title": "c"},
	})
	if err != nil {
		t.Fatalf("MergeCollection: %v", err)
	}
	want := map[string]any{
		"report_1": map[string]any{"title": "a", "n": 2.0},
		"report_3": map[string]any{"title": "c"},
	}
	if diff := cmp.Diff(want, mustGet(t, s, "report_")); diff != "" {
		t.Fatalf("collection (-want +got):\n%s", diff)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for k, v := range want {
		if diff := cmp.Diff(v, p.stored(t, k)); diff != "" {
			t.Fatalf("stored %s (-want +got):\n%s", k, diff)
		}
	}
	if got := p.stored(t, "report_2"); got != nil {
		t.Fatalf("report_2 not removed from storage: %v", got)
	}
}

func TestSetCollectionRemovesMissingMembers(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "report_1", "one")
	p.seed(t, "report_2", "two")
	p.seed(t, "unrelated", "x")
	s := collectionStore(t, p, nil)

	if err := s.SetCollection(ctx, "report_", map[string]any{"report_2": "TWO", "report_3": "three"}); err != nil {
		t.Fatalf("SetCollection: %v", err)
	}
	want := map[string]any{"report_2": "TWO", "report_3": "three"}
	if diff := cmp.Diff(want, mustGet(t, s, "report_")); diff != "" {
		t.Fatalf("collection (-want +got):\n%s", diff)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	keys, err := s.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("GetAllKeys: %v", err)
	}
	if diff := cmp.Diff([]string{"report_2", "report_3", "unrelated"}, keys); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if got := p.stored(t, "report_1"); got != nil {
		t.Fatalf("report_1 not removed from storage: %v", got)
	}
}

func TestClearPreservesAndRestoresDefaults(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(0)
	p.seed(t, "stored_only", "s")
	s := newTestStore(t, p, func(o *Options) {
		o.InitialKeyStates = map[string]any{"session": map[string]any{"loggedIn": false}}
	})
	if err := s.MultiSet(ctx, map[string]any{
		"session": map[string]any{"loggedIn": true},
		"a":       1,
		"b":       2,
	}); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var in inbox
	if _, err := s.Connect(ConnectOptions{Key: "a", Callback: in.callback, SkipStoredValues: true}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Clear(ctx, []string{"b", "stored_only"}); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if got := mustGet(t, s, "a"); got != nil {
		t.Fatalf("a survived Clear: %v", got)
	}
	if got := mustGet(t, s, "b"); got != 2.0 {
		t.Fatalf("preserved b = %v", got)
	}
	if diff := cmp.Diff(map[string]any{"loggedIn": false}, mustGet(t, s, "session")); diff != "" {
		t.Fatalf("session not restored (-want +got):\n%s", diff)
	}
	eventually(t, "a removal", func() bool { return in.len() == 1 })
	if diff := cmp.Diff([]delivery{{Key: "a", Value: nil}}, in.all()); diff != "" {
		t.Fatalf("deliveries (-want +got):\n%s", diff)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	keys, err := p.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("GetAllKeys: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "session", "stored_only"}, keys); diff != "" {
		t.Fatalf("stored keys (-want +got):\n%s", diff)
	}
	p.mu.Lock()
	clears := p.clears
	p.mu.Unlock()
	if clears != 1 {
		t.Fatalf("want one storage wipe, got %d", clears)
	}
}

func TestUpdateValidatesBeforeApplying(t *testing.T) {
	ctx := context.Background()
	s := collectionStore(t, newFakeProvider(0), nil)

	err := s.Update(ctx, []Update{
		{Method: MethodSet, Key: "a", Value: 1},
		{Method: MethodMergeCollection, Key: "a_", Value: map[string]any{}},
	})
	var iu *InvalidUpdateError
	if !errors.As(err, &iu) || iu.Index != 1 {
		t.Fatalf("want InvalidUpdateError at index 1, got %v", err)
	}
	if got := mustGet(t, s, "a"); got != nil {
		t.Fatalf("nothing may be applied from a rejected batch, got a=%v", got)
	}

	for _, bad := range []Update{
		{Method: "bogus", Key: "a"},
		{Method: MethodSet},
		{Method: MethodMultiSet, Value: []string{"x"}},
		{Method: MethodClear, Value: "x"},
		{Method: MethodSetCollection, Key: "report_", Value: 1},
	} {
		if err := s.Update(ctx, []Update{bad}); !errors.As(err, &iu) {
			t.Fatalf("%+v: want InvalidUpdateError, got %v", bad, err)
		}
	}
}

func TestUpdateAppliesInOrder(t *testing.T) {
	ctx := context.Background()
	s := collectionStore(t, newFakeProvider(0), nil)
	err := s.Update(ctx, []Update{
		{Method: MethodSet, Key: "a", Value: map[string]any{"x": 1}},
		{Method: MethodMerge, Key: "a", Value: map[string]any{"y": 2}},
		{Method: MethodMultiSet, Value: map[string]any{"b": 1, "c": 1}},
		{Method: MethodMergeCollection, Key: "report_", Value: map[string]any{"report_1": "r"}},
		{Method: MethodClear, Value: []string{"a", "report_1"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"x": 1.0, "y": 2.0}, mustGet(t, s, "a")); diff != "" {
		t.Fatalf("a (-want +got):\n%s", diff)
	}
	if got := mustGet(t, s, "b"); got != nil {
		t.Fatalf("b survived the trailing clear: %v", got)
	}
	if got := mustGet(t, s, "report_1"); got != "r" {
		t.Fatalf("report_1 = %v", got)
	}
}
