package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Frowell/Flowforge-sub002/internal/graph"
)

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareValues orders two column values. The filter literal b is coerced
// to the kind of a. Nil sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return compareFloats(af, bf)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func listValues(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(vs))
		for i, f := range vs {
			out[i] = f
		}
		return out
	default:
		return []any{v}
	}
}

func matches(f graph.Filter, v any) bool {
	switch f.Op {
	case graph.FilterEq:
		return v != nil && compareValues(v, f.Value) == 0
	case graph.FilterNeq:
		return v == nil || compareValues(v, f.Value) != 0
	case graph.FilterIn:
		if v == nil {
			return false
		}
		for _, want := range listValues(f.Value) {
			if compareValues(v, want) == 0 {
				return true
			}
		}
		return false
	case graph.FilterGt:
		return v != nil && compareValues(v, f.Value) > 0
	case graph.FilterGte:
		return v != nil && compareValues(v, f.Value) >= 0
	case graph.FilterLt:
		return v != nil && compareValues(v, f.Value) < 0
	case graph.FilterLte:
		return v != nil && compareValues(v, f.Value) <= 0
	default:
		return false
	}
}

// keyString renders a group-by value so equal values map to one group.
func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x01"
	case time.Time:
		return strconv.FormatInt(t.UnixNano(), 10)
	case string:
		return "s" + t
	default:
		if f, ok := toFloat(v); ok {
			return "n" + strconv.FormatFloat(f, 'g', -1, 64)
		}
		return fmt.Sprint(v)
	}
}
