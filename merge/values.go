package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/go-cmp/cmp"
)

// ErrUnsupportedValue is returned by Normalize for values that have no
// JSON-like representation (channels, funcs, NaN, ...).
var ErrUnsupportedValue = errors.New("merge: unsupported value")

type undefined struct{}

// Undefined is the "no value" sentinel. Merging it is a no-op and object
// keys holding it are skipped.
var Undefined any = undefined{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// Kind is the container kind of a value.
type Kind string

const (
	KindUndefined Kind = "undefined"
	KindNull      Kind = "null"
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindScalar    Kind = "scalar"
)

// KindOf classifies a normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case undefined:
		return KindUndefined
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	default:
		return KindScalar
	}
}

// Compatible reports whether next may be written over existing. Writing an
// array over a non-array (or the reverse) is rejected; null and undefined
// on either side are always accepted.
func Compatible(existing, next any) (ok bool, existingKind, nextKind Kind) {
	ek, nk := KindOf(existing), KindOf(next)
	if ek == KindNull || ek == KindUndefined || nk == KindNull || nk == KindUndefined {
		return true, ek, nk
	}
	return (ek == KindArray) == (nk == KindArray), ek, nk
}

// Equal is deep equality over normalized trees.
func Equal(a, b any) bool {
	return cmp.Equal(a, b)
}

// Clone returns a deep copy of v.
func Clone(v any) any {
	return clone(v, false)
}

func clone(v any, stripMarks bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if stripMarks && k == Marker {
				continue
			}
			out[k] = clone(child, stripMarks)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = clone(child, stripMarks)
		}
		return out
	default:
		return v
	}
}

// RemoveNestedNulls drops null-valued object keys at every level. Arrays are
// kept as they are.
func RemoveNestedNulls(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(obj))
	for k, child := range obj {
		if child == nil || IsUndefined(child) {
			continue
		}
		out[k] = RemoveNestedNulls(child)
	}
	return out
}

// Normalize converts v into a fresh JSON-like tree: objects become
// map[string]any, arrays []any and numbers float64. Anything outside the
// fast path takes one encoding/json round trip, so struct tags apply.
// Undefined object members are dropped and Undefined array items become
// null. A top-level Undefined is returned unchanged.
func Normalize(v any) (any, error) {
	return normalize(v, true)
}

func normalize(v any, top bool) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case undefined:
		if top {
			return Undefined, nil
		}
		return nil, nil
	case bool, string:
		return t, nil
	case float64:
		return checkFloat(t)
	case float32:
		return checkFloat(float64(t))
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if IsUndefined(child) {
				continue
			}
			n, err := normalize(child, false)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			n, err := normalize(child, false)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return out, nil
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	return f, nil
}
