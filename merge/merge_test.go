package merge

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type obj = map[string]any

func TestMergeNullDeletion(t *testing.T) {
	target := obj{"a": obj{"b": 1.0}, "c": 2.0}
	got := Merge(target, obj{"a": nil}, Options{RemoveNestedNulls: true}).Value
	if diff := cmp.Diff(obj{"c": 2.0}, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
	// inputs untouched
	if _, ok := target["a"]; !ok {
		t.Fatalf("target was mutated: %v", target)
	}
}

func TestMergeKeepsNullsWhenNotRemoving(t *testing.T) {
	got := Merge(obj{"a": 1.0}, obj{"a": nil}, Options{}).Value
	if diff := cmp.Diff(obj{"a": nil}, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeArraysReplace(t *testing.T) {
	got := Merge([]any{1.0, 2.0}, []any{3.0}, Options{}).Value
	if diff := cmp.Diff([]any{3.0}, got); diff != "" {
		t.Fatalf("array merge mismatch (-want +got):\n%s", diff)
	}

	nested := Merge(obj{"l": []any{1.0, 2.0}}, obj{"l": []any{3.0}}, Options{}).Value
	if diff := cmp.Diff(obj{"l": []any{3.0}}, nested); diff != "" {
		t.Fatalf("nested array mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeIdempotent(t *testing.T) {
	cur := obj{"a": 1.0, "n": obj{"x": "y"}}
	got := Merge(cur, obj{"a": 1.0, "n": obj{"x": "y"}}, Options{RemoveNestedNulls: true}).Value
	if !Equal(cur, got) {
		t.Fatalf("expected unchanged value, got %v", got)
	}
}

func TestMergeSkipsUndefined(t *testing.T) {
	got := Merge(obj{"a": 1.0}, obj{"a": Undefined, "b": 2.0}, Options{}).Value
	if diff := cmp.Diff(obj{"a": 1.0, "b": 2.0}, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMarkReplaceRoundTrip(t *testing.T) {
	batch := MarkChanges([]any{
		obj{"x": nil},
		obj{"x": obj{"y": 1.0}},
	})
	if len(batch.ReplacePatches) != 1 {
		t.Fatalf("want 1 replace patch, got %d", len(batch.ReplacePatches))
	}
	p := batch.ReplacePatches[0]
	if diff := cmp.Diff([]string{"x"}, p.Path); diff != "" {
		t.Fatalf("patch path (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(obj{"y": 1.0}, p.Value); diff != "" {
		t.Fatalf("patch value (-want +got):\n%s", diff)
	}

	got := ApplyBatch(obj{"x": obj{"y": 0.0, "z": 0.0}}, batch.Value).Value
	if diff := cmp.Diff(obj{"x": obj{"y": 1.0}}, got); diff != "" {
		t.Fatalf("applied batch (-want +got):\n%s", diff)
	}
}

func TestMarkCarriesThroughLaterPatches(t *testing.T) {
	batch := MarkChanges([]any{
		obj{"x": nil},
		obj{"x": obj{"y": 1.0}},
		obj{"x": obj{"w": 2.0}},
	})
	got := ApplyBatch(obj{"x": obj{"z": 0.0}, "k": true}, batch.Value).Value
	want := obj{"x": obj{"y": 1.0, "w": 2.0}, "k": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("applied batch (-want +got):\n%s", diff)
	}
	if len(batch.ReplacePatches) != 1 || !Equal(batch.ReplacePatches[0].Value, obj{"y": 1.0, "w": 2.0}) {
		t.Fatalf("unexpected patches: %+v", batch.ReplacePatches)
	}
}

func TestMarkedSourceReplacesSubtree(t *testing.T) {
	// a buffered patch meeting an already composed batch
	pending := obj{"x": obj{"a": 1.0}}
	batch := MarkChanges([]any{obj{"x": nil}, obj{"x": obj{"y": 1.0}}})
	composed := Merge(pending, batch.Value, Options{Mode: ModeMark}).Value
	got := ApplyBatch(obj{}, composed).Value
	if diff := cmp.Diff(obj{"x": obj{"y": 1.0}}, got); diff != "" {
		t.Fatalf("composed patch (-want +got):\n%s", diff)
	}
}

func TestMarkNestedPath(t *testing.T) {
	batch := MarkChanges([]any{
		obj{"a": obj{"b": nil}},
		obj{"a": obj{"b": obj{"c": "d"}}},
	})
	if len(batch.ReplacePatches) != 1 {
		t.Fatalf("want 1 patch, got %+v", batch.ReplacePatches)
	}
	if diff := cmp.Diff([]string{"a", "b"}, batch.ReplacePatches[0].Path); diff != "" {
		t.Fatalf("patch path (-want +got):\n%s", diff)
	}
	if StripMarks(batch.Value).(obj)["a"].(obj)["b"].(obj)[Marker] != nil {
		t.Fatalf("StripMarks left a marker behind")
	}
}

func TestChangesLastArrayWins(t *testing.T) {
	got := Changes(obj{"a": 1.0}, []any{obj{"b": 2.0}, []any{"x"}}, Options{}).Value
	if diff := cmp.Diff([]any{"x"}, got); diff != "" {
		t.Fatalf("fold mismatch (-want +got):\n%s", diff)
	}
}

func TestChangesScalarsLastWins(t *testing.T) {
	got := Changes("old", []any{"a", 2.0}, Options{}).Value
	if got != 2.0 {
		t.Fatalf("want 2, got %v", got)
	}
}

func TestChangesFromAbsent(t *testing.T) {
	got := Changes(nil, []any{obj{"a": 1.0}, obj{"b": 2.0}}, Options{RemoveNestedNulls: true}).Value
	if diff := cmp.Diff(obj{"a": 1.0, "b": 2.0}, got); diff != "" {
		t.Fatalf("fold mismatch (-want +got):\n%s", diff)
	}
}

func TestChangesOnlyUndefined(t *testing.T) {
	got := Changes("keep", []any{Undefined}, Options{}).Value
	if got != "keep" {
		t.Fatalf("want existing value, got %v", got)
	}
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		existing, next any
		ok             bool
	}{
		{nil, []any{}, true},
		{obj{}, []any{}, false},
		{[]any{}, obj{}, false},
		{[]any{}, []any{1.0}, true},
		{obj{}, nil, true},
		{"s", obj{}, true},
		{"s", []any{}, false},
	}
	for i, tc := range cases {
		ok, _, _ := Compatible(tc.existing, tc.next)
		if ok != tc.ok {
			t.Fatalf("case %d: got %v want %v", i, ok, tc.ok)
		}
	}
}

type profile struct {
	Name  string `json:"name"`
	Age   int    `json:"age"`
	Admin bool   `json:"admin,omitempty"`
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(obj{
		"p":    profile{Name: "ada", Age: 36},
		"n":    int64(3),
		"list": []any{1, Undefined},
		"skip": Undefined,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := obj{
		"p":    obj{"name": "ada", "age": 36.0},
		"n":    3.0,
		"list": []any{1.0, nil},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("normalize mismatch (-want +got):\n%s", diff)
	}

	if _, err := Normalize(func() {}); !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("want ErrUnsupportedValue, got %v", err)
	}
	if v, _ := Normalize(Undefined); !IsUndefined(v) {
		t.Fatalf("top-level undefined must be preserved")
	}
}

func TestRemoveNestedNulls(t *testing.T) {
	got := RemoveNestedNulls(obj{"a": nil, "b": obj{"c": nil, "d": 1.0}, "e": []any{nil}})
	want := obj{"b": obj{"d": 1.0}, "e": []any{nil}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
