package subscription

import (
	"testing"
)

func TestAddRemove(t *testing.T) {
	r := NewRegistry()
	a := r.Add(Subscriber{Key: "k"})
	b := r.Add(Subscriber{Key: "k"})
	if a.ID == b.ID || b.ID <= a.ID {
		t.Fatalf("ids must be monotonic: %d %d", a.ID, b.ID)
	}
	if got := len(r.Lookup("k")); got != 2 {
		t.Fatalf("want 2 subscribers, got %d", got)
	}
	if _, ok := r.Remove(a.ID); !ok {
		t.Fatalf("remove failed")
	}
	if _, ok := r.Remove(a.ID); ok {
		t.Fatalf("second remove must be a no-op")
	}
	r.Remove(b.ID)
	if len(r.byKey) != 0 || len(r.Lookup("k")) != 0 {
		t.Fatalf("key index not purged: %v", r.byKey)
	}
	c := r.Add(Subscriber{Key: "k"})
	if c.ID <= b.ID {
		t.Fatalf("ids must not be reused")
	}
}

func TestCandidatesIncludeCollection(t *testing.T) {
	r := NewRegistry()
	member := r.Add(Subscriber{Key: "report_1"})
	coll := r.Add(Subscriber{Key: "report_", Collection: true})
	r.Add(Subscriber{Key: "report_2"})

	got := r.Candidates("report_1", "report_")
	if len(got) != 2 || got[0].ID != member.ID || got[1].ID != coll.ID {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if got := r.Candidates("session", ""); len(got) != 0 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}

func TestShouldDeliverDedup(t *testing.T) {
	r := NewRegistry()
	s := r.Add(Subscriber{Key: "k"})
	v := map[string]any{"a": 1.0}
	if !r.ShouldDeliver(s.ID, "k", v) {
		t.Fatalf("first delivery must pass")
	}
	if r.ShouldDeliver(s.ID, "k", map[string]any{"a": 1.0}) {
		t.Fatalf("deep-equal value must be suppressed")
	}
	if !r.ShouldDeliver(s.ID, "k", nil) {
		t.Fatalf("changed value must pass")
	}
	r.Remove(s.ID)
	if r.ShouldDeliver(s.ID, "k", "x") {
		t.Fatalf("removed subscription must not receive values")
	}
}

func TestSelect(t *testing.T) {
	s := &Subscriber{Selector: func(v any) any { return v.(map[string]any)["name"] }}
	if got := s.Select(map[string]any{"name": "ada"}); got != "ada" {
		t.Fatalf("got %v", got)
	}
	if got := s.Select(nil); got != nil {
		t.Fatalf("nil must bypass the selector, got %v", got)
	}
}
