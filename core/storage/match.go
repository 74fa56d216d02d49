package storage

import (
	"strconv"
	"strings"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
)

// Matches evaluates a single filter clause against an in-memory record.
// The memory adapter and the subscription broadcaster share these
// semantics, so a record matching a subscription filter matches the same
// stored query.
func Matches(row core.Record, clause Clause) bool {
	value, ok := row[clause.Field]
	if !ok {
		return false
	}
	switch clause.Op {
	case schema.OpEqual:
		return looseEqual(value, clause.Value)
	case schema.OpNotEqual:
		return !looseEqual(value, clause.Value)
	case schema.OpLike:
		pattern, _ := clause.Value.(string)
		str, _ := value.(string)
		return like(str, pattern)
	case schema.OpIn:
		values, ok := clause.Value.([]any)
		if !ok {
			return looseEqual(value, clause.Value)
		}
		for _, candidate := range values {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	case schema.OpBetween:
		bounds, ok := clause.Value.([2]any)
		if !ok {
			return false
		}
		return Compare(value, bounds[0]) >= 0 && Compare(value, bounds[1]) <= 0
	case schema.OpLess:
		return Compare(value, clause.Value) < 0
	case schema.OpLessEqual:
		return Compare(value, clause.Value) <= 0
	case schema.OpGreater:
		return Compare(value, clause.Value) > 0
	case schema.OpGreaterEqual:
		return Compare(value, clause.Value) >= 0
	}
	return false
}

// Compare orders two scalar values, numerically when both parse as
// numbers, by decimal string otherwise.
func Compare(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(core.IDString(a), core.IDString(b))
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return core.IDString(a) == core.IDString(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// like implements SQL LIKE with % wildcards.
func like(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
