package threshold

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"homesignal/internal/store"
)

// epsilon absorbs float noise for == and !=.
const epsilon = 0.001

var operatorAliases = map[string]string{
	">":                  store.OpGT,
	"gt":                 store.OpGT,
	"greaterthan":        store.OpGT,
	">=":                 store.OpGTE,
	"≥":                  store.OpGTE,
	"gte":                store.OpGTE,
	"greaterthanorequal": store.OpGTE,
	"<":                  store.OpLT,
	"lt":                 store.OpLT,
	"lessthan":           store.OpLT,
	"<=":                 store.OpLTE,
	"≤":                  store.OpLTE,
	"lte":                store.OpLTE,
	"lessthanorequal":    store.OpLTE,
	"==":                 store.OpEQ,
	"=":                  store.OpEQ,
	"eq":                 store.OpEQ,
	"equal":              store.OpEQ,
	"equals":             store.OpEQ,
	"!=":                 store.OpNEQ,
	"≠":                  store.OpNEQ,
	"ne":                 store.OpNEQ,
	"neq":                store.OpNEQ,
	"notequal":           store.OpNEQ,
	"between":            store.OpBetween,
}

// ParseOperator normalizes operator spellings ("GreaterThan", "gte", "≤")
// to the canonical symbols.
func ParseOperator(s string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "", " ", "").Replace(key)
	if op, ok := operatorAliases[key]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Compare applies op to value. hi is only used by between and must be set.
func Compare(op string, value, lo float64, hi *float64) (bool, error) {
	canon, err := ParseOperator(op)
	if err != nil {
		return false, err
	}
	switch canon {
	case store.OpGT:
		return value > lo, nil
	case store.OpGTE:
		return value >= lo, nil
	case store.OpLT:
		return value < lo, nil
	case store.OpLTE:
		return value <= lo, nil
	case store.OpEQ:
		return math.Abs(value-lo) < epsilon, nil
	case store.OpNEQ:
		return math.Abs(value-lo) >= epsilon, nil
	case store.OpBetween:
		if hi == nil {
			return false, fmt.Errorf("between needs a second threshold")
		}
		return lo <= value && value <= *hi, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// FormatCondition renders a rule as "temperature > 28" or
// "humidity between 40 and 60".
func FormatCondition(r *store.CustomTriggerRule) string {
	op, err := ParseOperator(r.Operator)
	if err != nil {
		op = r.Operator
	}
	if op == store.OpBetween && r.Threshold2 != nil {
		return fmt.Sprintf("%s between %s and %s", r.Metric, formatFloat(r.Threshold), formatFloat(*r.Threshold2))
	}
	return fmt.Sprintf("%s %s %s", r.Metric, op, formatFloat(r.Threshold))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
