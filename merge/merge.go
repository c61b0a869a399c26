package merge

// Mode selects how marked subtrees are handled.
type Mode uint8

const (
	// ModeNone is a plain deep merge.
	ModeNone Mode = iota
	// ModeMark tags objects written over a null so they can be replaced later.
	ModeMark
	// ModeReplace swaps tagged objects in wholesale.
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeMark:
		return "mark"
	case ModeReplace:
		return "replace"
	default:
		return "none"
	}
}

// Options tune a single merge.
type Options struct {
	// RemoveNestedNulls drops object keys whose resolved value is null, at
	// every level of the result.
	RemoveNestedNulls bool
	Mode              Mode
}

// ReplacePatch says: at Path, the value must be replaced by Value rather
// than merged into. Patch-based backends apply these after the merge patch.
type ReplacePatch struct {
	Path  []string
	Value any
}

// Result of a merge.
type Result struct {
	Value          any
	ReplacePatches []ReplacePatch
}

// Merge deep-merges source into target and returns a fresh tree. Neither
// input is modified. A non-object source (array, scalar, null) is returned
// as is.
//
// In ModeMark the returned patches cover every marked subtree of the result,
// including marks carried over from target.
func Merge(target, source any, opts Options) Result {
	v := mergeValue(target, source, opts)
	if opts.Mode == ModeMark {
		return Result{Value: v, ReplacePatches: CollectReplacePatches(v)}
	}
	return Result{Value: v}
}

func mergeValue(target, source any, opts Options) any {
	src, ok := source.(map[string]any)
	if !ok {
		return source
	}
	dst, _ := target.(map[string]any)
	out := make(map[string]any, len(dst)+len(src))

	for k, tv := range dst {
		if IsUndefined(tv) {
			continue
		}
		sv, inSource := src[k]
		if opts.RemoveNestedNulls && (tv == nil || (inSource && sv == nil)) {
			continue
		}
		out[k] = tv
	}

	for k, sv := range src {
		if IsUndefined(sv) {
			continue
		}
		if sv == nil {
			if opts.RemoveNestedNulls {
				continue
			}
			out[k] = nil
			continue
		}
		sobj, isObj := sv.(map[string]any)
		if !isObj {
			out[k] = sv
			continue
		}

		tv, hadKey := dst[k]

		switch opts.Mode {
		case ModeMark:
			if IsMarked(sobj) {
				// an already composed replacement covers the whole subtree
				out[k] = Clone(sobj)
				continue
			}
			if hadKey && tv == nil {
				tv = map[string]any{Marker: true}
			}
		case ModeReplace:
			if IsMarked(sobj) {
				repl := StripMarks(sobj)
				if opts.RemoveNestedNulls {
					repl = RemoveNestedNulls(repl)
				}
				out[k] = repl
				continue
			}
		}
		out[k] = mergeValue(tv, sobj, opts)
	}
	return out
}
