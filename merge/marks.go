package merge

// Marker is the internal key tagging an object that must replace, not merge
// into, its destination. It never reaches storage or subscribers.
const Marker = "__statekv_replace__"

// IsMarked reports whether obj carries the replace tag.
func IsMarked(obj map[string]any) bool {
	b, _ := obj[Marker].(bool)
	return b
}

// StripMarks returns a deep copy of v without any replace tags.
func StripMarks(v any) any {
	return clone(v, true)
}

// CollectReplacePatches walks v and records one patch per outermost marked
// object. Paths are object keys from the root.
func CollectReplacePatches(v any) []ReplacePatch {
	var out []ReplacePatch
	collect(v, nil, &out)
	return out
}

func collect(v any, path []string, out *[]ReplacePatch) {
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	if path != nil && IsMarked(obj) {
		*out = append(*out, ReplacePatch{
			Path:  append([]string(nil), path...),
			Value: StripMarks(obj),
		})
		return
	}
	for k, child := range obj {
		if k == Marker {
			continue
		}
		collect(child, append(path[:len(path):len(path)], k), out)
	}
}
