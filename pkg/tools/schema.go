package tools

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"unicode/utf8"
)

// ValidateArgs checks args against a restricted JSON-schema subset: type
// conformance, required keys, enum membership, minimum/maximum for numbers,
// minLength/maxLength for strings, and recursion into object properties and
// array items. All violations are accumulated as human-readable strings with
// property paths (filters.level, tags[2]); an empty slice means the args are
// valid. The root schema must describe an object; anything else is a
// programming error and panics.
func ValidateArgs(schema map[string]any, args map[string]any) []string {
	rootType := "object"
	if t, ok := schema["type"].(string); ok {
		rootType = t
	}
	if rootType != "object" {
		panic(fmt.Sprintf("schema must be object type, got %q", rootType))
	}

	merged := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		merged[k] = v
	}
	merged["type"] = "object"

	return validateValue(args, merged, "")
}

func validateValue(val any, schema map[string]any, path string) []string {
	t, _ := schema["type"].(string)
	label := path
	if label == "" {
		label = "parameter"
	}

	// A type mismatch ends validation of this subtree; nested checks would
	// only produce noise on a value of the wrong shape.
	if !typeMatches(t, val) {
		return []string{fmt.Sprintf("%s should be %s", label, t)}
	}

	var errs []string

	if enum, ok := schemaEnum(schema); ok && !enumContains(enum, val) {
		errs = append(errs, fmt.Sprintf("%s must be one of %v", label, enum))
	}

	if t == "integer" || t == "number" {
		n, _ := numericValue(val)
		if min, ok := schemaNumber(schema, "minimum"); ok && n < min {
			errs = append(errs, fmt.Sprintf("%s must be >= %v", label, min))
		}
		if max, ok := schemaNumber(schema, "maximum"); ok && n > max {
			errs = append(errs, fmt.Sprintf("%s must be <= %v", label, max))
		}
	}

	if t == "string" {
		s, _ := val.(string)
		length := utf8.RuneCountInString(s)
		if min, ok := schemaInt(schema, "minLength"); ok && length < min {
			errs = append(errs, fmt.Sprintf("%s must be at least %d chars", label, min))
		}
		if max, ok := schemaInt(schema, "maxLength"); ok && length > max {
			errs = append(errs, fmt.Sprintf("%s must be at most %d chars", label, max))
		}
	}

	if t == "object" {
		obj, _ := val.(map[string]any)
		props := schemaProperties(schema)

		for _, key := range requiredKeys(schema) {
			if _, present := obj[key]; !present {
				errs = append(errs, "missing required "+childPath(path, key))
			}
		}

		keys := make([]string, 0, len(obj))
		for key := range obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			propSchema, known := props[key]
			if !known {
				continue
			}
			errs = append(errs, validateValue(obj[key], propSchema, childPath(path, key))...)
		}
	}

	if t == "array" {
		if items, ok := schema["items"].(map[string]any); ok {
			list, _ := val.([]any)
			for i, item := range list {
				errs = append(errs, validateValue(item, items, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	}

	return errs
}

func typeMatches(t string, val any) bool {
	switch t {
	case "string":
		_, ok := val.(string)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "integer":
		n, ok := numericValue(val)
		return ok && n == math.Trunc(n)
	case "number":
		_, ok := numericValue(val)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		// Unknown or absent type: nothing to enforce.
		return true
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}

	return 0, false
}

func enumContains(enum []any, val any) bool {
	for _, member := range enum {
		if valuesEqual(member, val) {
			return true
		}
	}

	return false
}

func valuesEqual(a, b any) bool {
	if na, ok := numericValue(a); ok {
		nb, ok := numericValue(b)
		return ok && na == nb
	}

	return reflect.DeepEqual(a, b)
}

func schemaEnum(schema map[string]any) ([]any, bool) {
	switch e := schema["enum"].(type) {
	case []any:
		return e, true
	case []string:
		out := make([]any, len(e))
		for i, s := range e {
			out[i] = s
		}
		return out, true
	}

	return nil, false
}

// schemaNumber reads a numeric bound that may be written as an int literal in
// Go source or arrive as a float64 from decoded JSON.
func schemaNumber(schema map[string]any, key string) (float64, bool) {
	raw, ok := schema[key]
	if !ok {
		return 0, false
	}

	return numericValue(raw)
}

func schemaInt(schema map[string]any, key string) (int, bool) {
	n, ok := schemaNumber(schema, key)
	if !ok {
		return 0, false
	}

	return int(n), true
}

func schemaProperties(schema map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return out
	}

	for key, raw := range props {
		if sub, ok := raw.(map[string]any); ok {
			out[key] = sub
		}
	}

	return out
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		keys := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}

	return nil
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}

	return parent + "." + key
}
