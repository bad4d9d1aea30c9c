package path

import "reflect"

// --------------------------------------------------------------------------
// Cloning
// --------------------------------------------------------------------------

// Clone returns a deep copy of a JSON-like value. Maps and slices are
// copied recursively, scalars are returned as-is. Values of other types are
// returned unchanged, the caller owns their aliasing.
func Clone(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// CloneTree deep copies a whole state tree.
func CloneTree(root map[string]any) map[string]any {
	if root == nil {
		return make(map[string]any)
	}
	return Clone(root).(map[string]any)
}

// --------------------------------------------------------------------------
// Equality
// --------------------------------------------------------------------------

// DeepEqual compares two JSON-like values structurally. Numeric values of
// differing Go types (e.g. int vs float64 after a JSON round trip) compare
// equal when they represent the same number.
func DeepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !DeepEqual(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}

	return reflect.DeepEqual(a, b)
}

// ShallowEqual reports whether two values are equal one level deep: same
// scalar, or containers of the same length whose direct entries are equal
// scalars or identical references.
func ShallowEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !scalarEqual(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !scalarEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	return scalarEqual(a, b)
}

// scalarEqual compares two values without recursing: equal numbers, equal
// comparable values, or the same container reference.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ra.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		// reference identity only, == would panic
		return rb.Kind() == ra.Kind() && ra.Pointer() == rb.Pointer()
	}
	if ra.Type() != rb.Type() || !ra.Comparable() {
		return false
	}
	return a == b
}

// toFloat normalizes numeric values for cross-type comparison.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
