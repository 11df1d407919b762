package interpreter

import (
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

// EvaluateCondition evaluates a skipIf/runIf/conditional condition.
//
// String conditions have their references resolved first and the resulting
// expression is evaluated ("{{opId.fetch.status}} == 200" becomes
// "200 == 200"). An expression that fails to compile or run degrades to a
// truthiness check on the resolved string. Map conditions use the tagged
// operator form {op, left, right, value, field}. Any other value is checked
// for truthiness. The only error path is reference resolution.
func EvaluateCondition(cond any, rs *ResultStore, scope Scope) (bool, error) {
	switch c := cond.(type) {
	case string:
		resolved, err := Resolve(c, rs, scope)
		if err != nil {
			return false, err
		}
		s, _ := resolved.(string)
		program, err := expr.Compile(s)
		if err != nil {
			return truthy(s), nil
		}
		out, err := expr.Run(program, nil)
		if err != nil {
			return truthy(s), nil
		}
		return truthy(out), nil
	case map[string]any:
		return evaluateTagged(c, rs, scope)
	default:
		return truthy(cond), nil
	}
}

func evaluateTagged(cond map[string]any, rs *ResultStore, scope Scope) (bool, error) {
	op, _ := cond["op"].(string)
	left, right := cond["left"], cond["right"]
	value, field := cond["value"], cond["field"]

	var leftVal, rightVal, checkVal any
	var err error
	if left != nil {
		if leftVal, err = Resolve(left, rs, scope); err != nil {
			return false, err
		}
	}
	if right != nil {
		if rightVal, err = Resolve(right, rs, scope); err != nil {
			return false, err
		}
	}
	if value != nil {
		if checkVal, err = Resolve(value, rs, scope); err != nil {
			return false, err
		}
	}

	leftVal = maybeParseJSON(leftVal)
	rightVal = maybeParseJSON(rightVal)

	if f, ok := field.(string); ok && f != "" {
		if v, ok := getNested(leftVal, splitPath(f)); ok {
			leftVal = v
		} else {
			leftVal = nil
		}
	}

	switch op {
	case "eq", "==", "equals":
		return looseEqual(leftVal, rightVal), nil
	case "neq", "!=", "notEquals":
		return !looseEqual(leftVal, rightVal), nil
	case "gt", ">":
		return toNumber(leftVal) > toNumber(rightVal), nil
	case "gte", ">=":
		return toNumber(leftVal) >= toNumber(rightVal), nil
	case "lt", "<":
		return toNumber(leftVal) < toNumber(rightVal), nil
	case "lte", "<=":
		return toNumber(leftVal) <= toNumber(rightVal), nil
	case "contains":
		return strings.Contains(stringify(leftVal), stringify(rightVal)), nil
	case "startsWith":
		return strings.HasPrefix(stringify(leftVal), stringify(rightVal)), nil
	case "endsWith":
		return strings.HasSuffix(stringify(leftVal), stringify(rightVal)), nil
	case "matches":
		re, err := regexp.Compile(stringify(rightVal))
		if err != nil {
			return false, nil
		}
		return re.MatchString(stringify(leftVal)), nil
	case "exists", "truthy":
		if checkVal != nil {
			return truthy(checkVal), nil
		}
		return truthy(leftVal), nil
	case "empty":
		v := leftVal
		if checkVal != nil {
			v = checkVal
		}
		return isEmpty(v), nil
	case "and", "&&":
		l, err := EvaluateCondition(left, rs, scope)
		if err != nil || !l {
			return false, err
		}
		return EvaluateCondition(right, rs, scope)
	case "or", "||":
		l, err := EvaluateCondition(left, rs, scope)
		if err != nil || l {
			return l, err
		}
		return EvaluateCondition(right, rs, scope)
	case "not", "!":
		inner := left
		if checkVal != nil {
			inner = checkVal
		}
		r, err := EvaluateCondition(inner, rs, scope)
		return !r, err
	case "in":
		arr, ok := rightVal.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range arr {
			if looseEqual(leftVal, item) {
				return true, nil
			}
		}
		return false, nil
	case "status":
		// Checks the recorded _status of a previous op by id or index.
		var result map[string]any
		var ok bool
		if id, isStr := left.(string); isStr {
			if result, ok = rs.ByID(id); !ok {
				if idx, err := strconv.Atoi(id); err == nil {
					result, ok = rs.ByIndex(idx)
				}
			}
		} else if n, isNum := left.(float64); isNum {
			result, ok = rs.ByIndex(int(n))
		}
		if !ok {
			return false, nil
		}
		return looseEqual(result["_status"], rightVal), nil
	default:
		return truthy(cond), nil
	}
}

// maybeParseJSON decodes strings that look like JSON objects or arrays so
// field extraction and containment checks can see into them.
func maybeParseJSON(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return v
	}
	return parsed
}

// truthy applies JSON-value truthiness: false, 0, "", NaN, and null are
// false; everything else, including empty containers, is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	default:
		return true
	}
}

// looseEqual compares with numeric coercion so "200" equals 200.
func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// toNumber coerces for ordered comparison; non-numeric values become NaN so
// every comparison against them is false.
func toNumber(v any) float64 {
	if n, ok := asNumber(v); ok {
		return n
	}
	return math.NaN()
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
