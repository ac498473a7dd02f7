// SPDX-License-Identifier: MPL-2.0

package composer

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Map is a decoded configuration mapping. Every mapping in a composed tree
// is a Map with string keys; sequences are []any.
type Map = map[string]any

// normalize converts decoder output into the Map/[]any/scalar form.
// yaml.v3 yields map[string]any for string-keyed mappings but
// map[any]any when a key is numeric or boolean.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(Map, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(Map, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case Map:
		out := make(Map, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// deepMerge overlays over onto base. Mappings merge recursively; any other
// combination is replaced by the overlay. Neither argument is modified.
func deepMerge(base, over any) any {
	bm, bok := base.(Map)
	om, ook := over.(Map)
	if !bok || !ook {
		return deepCopy(over)
	}
	out := deepCopy(bm).(Map)
	for k, ov := range om {
		if bv, ok := out[k]; ok {
			out[k] = deepMerge(bv, ov)
		} else {
			out[k] = deepCopy(ov)
		}
	}
	return out
}

// lookup walks a dotted path; segments are map keys.
func lookup(root any, path ...string) (any, bool) {
	cur := root
	for _, seg := range path {
		m, ok := cur.(Map)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupMap(root any, path ...string) Map {
	v, _ := lookup(root, path...)
	m, _ := v.(Map)
	return m
}

// ensureMap returns m[key] as a Map, creating it when absent.
func ensureMap(m Map, key string) Map {
	if sub, ok := m[key].(Map); ok {
		return sub
	}
	sub := Map{}
	m[key] = sub
	return sub
}

// scalarString renders a scalar for interpolation and typed lookups.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func stringAt(root any, path ...string) string {
	v, ok := lookup(root, path...)
	if !ok {
		return ""
	}
	s, _ := scalarString(v)
	return s
}

func stringsAt(root any, path ...string) []string {
	v, ok := lookup(root, path...)
	if !ok {
		return nil
	}
	return toStrings(v)
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := scalarString(item); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

func sortedKeys(m Map) []string {
	return slices.Sorted(maps.Keys(m))
}

