// Package merge implements the deep-merge algorithm used by statekv.
//
// Values are JSON-like trees: map[string]any objects, []any arrays, nil
// (null) and scalars. Use Normalize to coerce arbitrary Go values into that
// shape before handing them to Merge.
//
// Rules:
//   - arrays replace the target wholesale, they are never merged element-wise
//   - objects merge key by key; with RemoveNestedNulls a null drops the key
//   - Undefined in a source means "leave the target alone"
//
// Mark/replace protocol:
//
// Several queued patches are composed in ModeMark before they reach storage.
// When an earlier patch nulled an object and a later one writes fields under
// the same path, the composed subtree is tagged with Marker and a
// ReplacePatch is recorded. Applying the composed batch in ModeReplace swaps
// every tagged subtree in wholesale (tag stripped) instead of deep-merging it,
// so fields that existed before the null do not resurface.
//
//	batch := merge.MarkChanges([]any{
//	    map[string]any{"x": nil},
//	    map[string]any{"x": map[string]any{"y": 1.0}},
//	})
//	out := merge.Changes(current, []any{batch.Value}, merge.Options{
//	    RemoveNestedNulls: true,
//	    Mode:              merge.ModeReplace,
//	})
package merge
