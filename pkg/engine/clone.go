package engine

import (
	"fmt"
)

// deepCopy returns a copy of v that shares no mutable containers with it.
// Scalars are returned as is. Maps keyed by interface{} (as produced by some
// YAML decoders) come back keyed by their string form.
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// deepCopyMap is deepCopy for the common top-level document case.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return deepCopy(m).(map[string]interface{})
}

// asMap converts v to a string keyed map when it is one of the map shapes
// decoders produce.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case map[interface{}]interface{}:
		return deepCopy(t).(map[string]interface{}), true
	default:
		return nil, false
	}
}

// asStringSlice extracts a list of strings from a decoded value. Non-string
// items are formatted with fmt.
func asStringSlice(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out, true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		return nil, false
	}
}

// asBool reports whether v is the boolean true. Strings such as "yes" and
// non-zero numbers are not true.
func asBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
