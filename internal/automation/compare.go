package automation

import (
	"fmt"
	"strconv"
	"strings"

	"homesignal/internal/store"
	"homesignal/internal/threshold"
)

// compareValues applies op to actual and expected. Numbers (and numeric
// strings) compare with threshold semantics; strings and booleans support
// equality only. An empty operator means "==".
func compareValues(actual any, op string, expected any) (bool, error) {
	if op == "" {
		op = store.OpEQ
	}
	canon, err := threshold.ParseOperator(op)
	if err != nil {
		return false, err
	}

	if canon == store.OpBetween {
		bounds, ok := expected.([]any)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("between needs a two element value, got %v", expected)
		}
		a, ok1 := toNumber(actual)
		lo, ok2 := toNumber(bounds[0])
		hi, ok3 := toNumber(bounds[1])
		if !ok1 || !ok2 || !ok3 {
			return false, fmt.Errorf("between needs numbers, got %v and %v", actual, expected)
		}
		return threshold.Compare(canon, a, lo, &hi)
	}

	_, aBool := actual.(bool)
	_, eBool := expected.(bool)
	if aBool || eBool {
		a, ok1 := toBool(actual)
		e, ok2 := toBool(expected)
		if ok1 && ok2 {
			return equality(canon, a == e)
		}
	}

	if a, ok := toNumber(actual); ok {
		if e, ok := toNumber(expected); ok {
			return threshold.Compare(canon, a, e, nil)
		}
	}

	return equality(canon, strings.EqualFold(fmt.Sprint(actual), fmt.Sprint(expected)))
}

func equality(op string, equal bool) (bool, error) {
	switch op {
	case store.OpEQ:
		return equal, nil
	case store.OpNEQ:
		return !equal, nil
	}
	return false, fmt.Errorf("operator %q needs numeric operands", op)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// toBool accepts booleans, 0/1 numbers and the usual on/off spellings.
func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, b == 0 || b == 1
	case int:
		return b != 0, b == 0 || b == 1
	case string:
		switch strings.ToLower(b) {
		case "true", "on", "1":
			return true, true
		case "false", "off", "0":
			return false, true
		}
	}
	return false, false
}
