package core

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// normalize converts decoder-specific containers (yaml.v2 produces
// map[interface{}]interface{}) into map[string]any and []any recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := normalize(v).(map[string]any)
	return m, ok
}

// asList accepts a list or a single mapping, which is treated as a
// one-element list.
func asList(v any) ([]any, bool) {
	switch t := normalize(v).(type) {
	case []any:
		return t, true
	case map[string]any:
		return []any{t}, true
	default:
		return nil, false
	}
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, violationf(ConstraintRange, "%d overflows int64", t)
		}
		return int64(t), nil
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, violationf(ConstraintType, "expected integer, got %q", t)
		}
		return n, nil
	default:
		return 0, violationf(ConstraintType, "expected integer, got %s", describe(v))
	}
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, violationf(ConstraintType, "expected integer, got %v", f)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, violationf(ConstraintRange, "%v overflows int64", f)
	}
	return int64(f), nil
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, violationf(ConstraintType, "expected finite number, got %v", t)
		}
		return t, nil
	case float32:
		return asFloat(float64(t))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, violationf(ConstraintType, "expected number, got %q", t)
		}
		return asFloat(f)
	default:
		n, err := asInt(v)
		if err != nil {
			return 0, violationf(ConstraintType, "expected number, got %s", describe(v))
		}
		return float64(n), nil
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "on", "enable":
			return true, nil
		case "false", "no", "off", "disable":
			return false, nil
		}
		return false, violationf(ConstraintType, "expected boolean, got %q", t)
	default:
		return false, violationf(ConstraintType, "expected boolean, got %s", describe(v))
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", violationf(ConstraintType, "expected string, got %s", describe(v))
	}
	return s, nil
}

func intInRange(v any, min, max int64) (int64, error) {
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, violationf(ConstraintRange, "value %d is outside [%d, %d]", n, min, max)
	}
	return n, nil
}

func floatInRange(v any, min, max float64) (float64, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f < min || f > max {
		return 0, violationf(ConstraintRange, "value %g is outside [%g, %g]", f, min, max)
	}
	return f, nil
}

// enumValue looks tok up in table. Tokens are case-sensitive.
func enumValue[T any](v any, table map[string]T) (T, string, error) {
	var zero T
	tok, err := asString(v)
	if err != nil {
		return zero, "", err
	}
	val, ok := table[tok]
	if !ok {
		return zero, "", violationf(ConstraintEnum, "unknown value %q, valid options are %s", tok, enumKeys(table))
	}
	return val, tok, nil
}

func enumKeys[T any](table map[string]T) string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func asIdentifier(v any) (string, error) {
	s, err := asString(v)
	if err != nil {
		return "", err
	}
	if !identifierRe.MatchString(s) {
		return "", violationf(ConstraintIdentifier, "%q is not a valid id: use letters, digits and underscores and do not start with a digit", s)
	}
	return s, nil
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any, map[interface{}]interface{}:
		return "mapping"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T %v", v, v)
}
