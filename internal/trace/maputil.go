package trace

import "strings"

// The provider's trace payloads arrive as loosely-typed nested maps whose key
// casing differs between the wire protocol (camelCase) and SDK round-trips
// (exported Go names). All probing is case-insensitive and nil-safe.

func lookup(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return nil, false
	}
	child, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return unwrapValue(child), true
}

func getString(m map[string]any, key string) (string, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, true
}

func getSlice(m map[string]any, key string) ([]any, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	if !ok {
		return nil, false
	}
	return s, true
}

// unwrapValue flattens the single-key {"Value": {...}} wrapper that union
// types pick up when they pass through a JSON round-trip.
func unwrapValue(m map[string]any) map[string]any {
	for len(m) == 1 {
		inner, ok := getAnyMap(m, "value")
		if !ok {
			return m
		}
		m = inner
	}
	return m
}

func getAnyMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return nil, false
	}
	child, ok := v.(map[string]any)
	return child, ok
}
