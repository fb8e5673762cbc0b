package plugins

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlark converts spec, metadata and cached values into Starlark. Dict
// keys are inserted sorted so scripts iterate them deterministically.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case []byte:
		return starlark.Bytes(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case []string:
		return toStarlarkList(val)
	case []interface{}:
		return toStarlarkList(val)
	case map[string]string:
		return toStarlarkDict(val)
	case map[string]interface{}:
		return toStarlarkDict(val)
	}
	return nil, fmt.Errorf("cannot pass %T to starlark", v)
}

func toStarlarkList[T any](items []T) (starlark.Value, error) {
	elems := make([]starlark.Value, 0, len(items))
	for i, item := range items {
		sv, err := toStarlark(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		elems = append(elems, sv)
	}
	return starlark.NewList(elems), nil
}

func toStarlarkDict[T any](m map[string]T) (starlark.Value, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dict := starlark.NewDict(len(m))
	for _, k := range keys {
		sv, err := toStarlark(m[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		if err := dict.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromStarlark converts a value handed to set_variable back into the plain Go
// types of the variable cache. Integers become int; lists, tuples and sets
// become []interface{}; dicts and structs become map[string]interface{}.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Bytes:
		return []byte(val), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok && i >= math.MinInt && i <= math.MaxInt {
			return int(i), nil
		}
		return nil, fmt.Errorf("integer %s out of range", val.String())
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, kv := range val.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", kv[0].Type())
			}
			gv, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlark(attr)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			out[name] = gv
		}
		return out, nil
	case starlark.Iterable:
		out := []interface{}{}
		iter := val.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			gv, err := fromStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", len(out), err)
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot store starlark %s", v.Type())
}

// stringList reads a list or tuple of strings, such as supported_versions.
// None yields nil.
func stringList(v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	if _, isString := v.(starlark.String); isString {
		return nil, fmt.Errorf("expected a list of strings, got string")
	}
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %s", v.Type())
	}
	out := make([]string, seq.Len())
	for i := range out {
		s, ok := starlark.AsString(seq.Index(i))
		if !ok {
			return nil, fmt.Errorf("expected a string at index %d, got %s", i, seq.Index(i).Type())
		}
		out[i] = s
	}
	return out, nil
}
