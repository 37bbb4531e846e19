package expressions

// Truthy reduces an evaluation result to a gating decision. Booleans map
// directly; nil, zero numbers and empty strings are false; everything
// else (non-empty strings, non-zero numbers, maps, slices) is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float32:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
