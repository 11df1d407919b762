package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ucplabs/ucp/internal/interpreter"
)

// TransformDriver reshapes data between ops without leaving the engine:
// transform.map/filter/reduce/set/concat/split/json.
type TransformDriver struct{}

func NewTransformDriver() *TransformDriver { return &TransformDriver{} }

func (d *TransformDriver) Name() string { return "transform" }

func (d *TransformDriver) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	switch method {
	case "map":
		return d.mapItems(args)
	case "filter":
		return d.filter(args)
	case "reduce":
		return d.reduce(args)
	case "set":
		return d.set(args)
	case "concat":
		return d.concat(args)
	case "split":
		return d.split(args)
	case "json":
		return d.json(args)
	}
	return nil, unknownMethod("transform", method)
}

// mapItems projects a property path out of each item; items without the
// path pass through unchanged.
func (d *TransformDriver) mapItems(args map[string]any) (map[string]any, error) {
	items, ok := listArg(args, "items")
	if !ok {
		return nil, fmt.Errorf("transform.map requires items to be an array")
	}
	expression := stringArg(args, "expression")
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
		if expression != "" {
			if v, ok := interpreter.Lookup(item, expression); ok && v != nil {
				out[i] = v
			}
		}
	}
	return map[string]any{"items": out, "count": len(out)}, nil
}

func (d *TransformDriver) filter(args map[string]any) (map[string]any, error) {
	items, ok := listArg(args, "items")
	if !ok {
		return nil, fmt.Errorf("transform.filter requires items to be an array")
	}
	field := stringArg(args, "field")
	op := stringArg(args, "op")
	if op == "" {
		op = "exists"
	}
	value := args["value"]

	var out []any
	for _, item := range items {
		candidate := item
		if field != "" {
			candidate, _ = interpreter.Lookup(item, field)
		}
		if matchFilter(op, candidate, value) {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []any{}
	}
	return map[string]any{"items": out, "count": len(out)}, nil
}

func matchFilter(op string, fieldValue, value any) bool {
	switch op {
	case "eq", "==":
		return coerceString(fieldValue) == coerceString(value)
	case "neq", "!=":
		return coerceString(fieldValue) != coerceString(value)
	case "gt":
		return coerceFloat(fieldValue) > coerceFloat(value)
	case "gte":
		return coerceFloat(fieldValue) >= coerceFloat(value)
	case "lt":
		return coerceFloat(fieldValue) < coerceFloat(value)
	case "lte":
		return coerceFloat(fieldValue) <= coerceFloat(value)
	case "contains":
		return strings.Contains(coerceString(fieldValue), coerceString(value))
	default: // exists, truthy
		return isTruthy(fieldValue)
	}
}

func (d *TransformDriver) reduce(args map[string]any) (map[string]any, error) {
	items, ok := listArg(args, "items")
	if !ok {
		return nil, fmt.Errorf("transform.reduce requires items to be an array")
	}
	op := stringArg(args, "op")
	if op == "" {
		op = "sum"
	}
	field := stringArg(args, "field")

	values := items
	if field != "" {
		values = make([]any, len(items))
		for i, item := range items {
			values[i], _ = interpreter.Lookup(item, field)
		}
	}

	// Numeric reductions must never yield NaN or ±Inf: those are not
	// representable in JSON and would poison the receipt.
	var result any
	switch op {
	case "sum":
		nums, err := numericValues(op, values)
		if err != nil {
			return nil, err
		}
		acc := floatArg(args, "initial", 0)
		for _, n := range nums {
			acc += n
		}
		result = acc
	case "avg":
		nums, err := numericValues(op, values)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, fmt.Errorf("transform.reduce avg requires at least one item")
		}
		acc := 0.0
		for _, n := range nums {
			acc += n
		}
		result = acc / float64(len(nums))
	case "min":
		nums, err := numericValues(op, values)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, fmt.Errorf("transform.reduce min requires at least one item")
		}
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Min(m, n)
		}
		result = m
	case "max":
		nums, err := numericValues(op, values)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, fmt.Errorf("transform.reduce max requires at least one item")
		}
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Max(m, n)
		}
		result = m
	case "concat":
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = coerceString(v)
		}
		result = strings.Join(parts, stringArg(args, "separator"))
	case "first":
		if len(values) > 0 {
			result = values[0]
		}
	case "last":
		if len(values) > 0 {
			result = values[len(values)-1]
		}
	default: // count
		result = len(values)
	}
	return map[string]any{"result": result, "count": len(items)}, nil
}

// set builds an object from its args: merge fields first, then the
// remaining args, then value itself.
func (d *TransformDriver) set(args map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if merge, ok := args["merge"].(map[string]any); ok {
		for k, v := range merge {
			out[k] = v
		}
	}
	for k, v := range args {
		if k == "value" || k == "merge" {
			continue
		}
		out[k] = v
	}
	out["value"] = args["value"]
	return out, nil
}

func (d *TransformDriver) concat(args map[string]any) (map[string]any, error) {
	items, ok := listArg(args, "items")
	if !ok {
		return map[string]any{"result": coerceString(args["items"])}, nil
	}
	parts := make([]string, len(items))
	for i, v := range items {
		parts[i] = coerceString(v)
	}
	return map[string]any{"result": strings.Join(parts, stringArg(args, "separator"))}, nil
}

func (d *TransformDriver) split(args map[string]any) (map[string]any, error) {
	separator := stringArg(args, "separator")
	if separator == "" {
		separator = ","
	}
	parts := strings.Split(coerceString(args["value"]), separator)
	items := make([]any, len(parts))
	for i, p := range parts {
		items[i] = p
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

func (d *TransformDriver) json(args map[string]any) (map[string]any, error) {
	value := args["value"]
	if boolArg(args, "parse") {
		if s, ok := value.(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, fmt.Errorf("transform.json parse: %w", err)
			}
			return map[string]any{"result": parsed}, nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("transform.json encode: %w", err)
	}
	return map[string]any{"result": string(encoded)}, nil
}

func numericValues(op string, values []any) ([]float64, error) {
	nums := make([]float64, len(values))
	for i, v := range values {
		n := coerceFloat(v)
		if math.IsNaN(n) {
			return nil, fmt.Errorf("transform.reduce %s: item %d is not a number", op, i)
		}
		nums[i] = n
	}
	return nums, nil
}

func coerceFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return n
		}
	}
	return math.NaN()
}

func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
