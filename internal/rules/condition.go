package rules

import (
	"fmt"
	"strings"

	"regcomms/internal/incident"
)

// Evaluate applies the condition operator to a field value taken from
// the incident snapshot. Evaluation is fail-closed: an unknown operator
// or an incomparable value pair yields false, never an error. A missing
// field (nil value with ok=false) compares unequal to everything, so
// only NOT_EQUALS can hold against it.
func Evaluate(value any, present bool, op Operator, cond *Condition) bool {
	switch op {
	case OpEquals:
		return present && equals(value, cond.Value)
	case OpNotEquals:
		return !present || !equals(value, cond.Value)
	case OpGreaterThan:
		return present && compare(value, cond.Value) > 0
	case OpLessThan:
		return present && compare(value, cond.Value) < 0
	case OpContains:
		return present && contains(value, cond.Value)
	case OpIn:
		return present && in(value, cond.Values)
	}
	return false
}

// Matches evaluates the condition against an incident snapshot.
func (c *Condition) Matches(snap *incident.Snapshot) bool {
	value, present := snap.Field(c.Field)
	return Evaluate(value, present, c.Operator, c)
}

func equals(a, b any) bool {
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	if na, ok := toFloat64(a); ok {
		if nb, ok := toFloat64(b); ok {
			return na == nb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare returns -1, 0 or 1 for comparable numeric values and falls
// back to lexical comparison otherwise. Incomparable values compare
// equal so both GREATER_THAN and LESS_THAN fail closed.
func compare(a, b any) int {
	na, ok1 := toFloat64(a)
	nb, ok2 := toFloat64(b)
	if !ok1 || !ok2 {
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return 0
}

func contains(a, b any) bool {
	// Slices count as containers; scalars fall back to case-insensitive
	// substring search.
	if list, ok := a.([]string); ok {
		want := strings.ToLower(fmt.Sprintf("%v", b))
		for _, item := range list {
			if strings.ToLower(item) == want {
				return true
			}
		}
		return false
	}
	str := strings.ToLower(fmt.Sprintf("%v", a))
	sub := strings.ToLower(fmt.Sprintf("%v", b))
	return strings.Contains(str, sub)
}

func in(a any, values []string) bool {
	str := fmt.Sprintf("%v", a)
	for _, v := range values {
		if str == v {
			return true
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
