package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalResult is the full detail of evaluating one compiled condition: its
// boolean/raw result, the variables it resolved along the way (for
// diagnostics), and any evaluation error (missing operator, type mismatch)
// converted to a string rather than propagated, since a goal-condition
// evaluation failure is data to report, not a reason to abort the run.
type EvalResult struct {
	OK                bool
	Result            any
	ResolvedVariables map[string]any
	Error             string
}

// Evaluate walks a compiled JSON-Logic document against data and returns its
// raw result. Missing variables resolve to nil rather than erroring, per
// spec.md's "missing facets resolve to null, never throw" rule.
func Evaluate(logic map[string]any, data map[string]any) (any, error) {
	resolved := map[string]any{}
	return evalNode(logic, data, resolved)
}

// EvaluateBool evaluates logic and coerces the result to a boolean via
// truthy, capturing resolved variables and any error without propagating it.
func EvaluateBool(logic map[string]any, data map[string]any) EvalResult {
	resolved := map[string]any{}
	v, err := evalNode(logic, data, resolved)
	if err != nil {
		return EvalResult{OK: false, ResolvedVariables: resolved, Error: err.Error()}
	}
	return EvalResult{OK: truthy(v), Result: v, ResolvedVariables: resolved}
}

func evalNode(n any, data map[string]any, resolved map[string]any) (any, error) {
	m, ok := n.(map[string]any)
	if !ok {
		return n, nil // literal
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("condition: malformed json-logic node with %d keys", len(m))
	}
	for op, rawArgs := range m {
		args, ok := rawArgs.([]any)
		if !ok {
			args = []any{rawArgs}
		}
		switch op {
		case "var":
			path, _ := args[0].(string)
			v := resolveVar(data, path)
			resolved[path] = v
			return v, nil
		case "and":
			return evalAnd(args, data, resolved)
		case "or":
			return evalOr(args, data, resolved)
		case "!":
			v, err := evalNode(args[0], data, resolved)
			if err != nil {
				return nil, err
			}
			return !truthy(v), nil
		case "!!":
			v, err := evalNode(args[0], data, resolved)
			if err != nil {
				return nil, err
			}
			return truthy(v), nil
		case "==", "!=", "<", "<=", ">", ">=":
			return evalCompare(op, args, data, resolved)
		case "in":
			return evalIn(args, data, resolved)
		default:
			return nil, fmt.Errorf("condition: unsupported json-logic operator %q", op)
		}
	}
	return nil, nil
}

func evalAnd(args []any, data map[string]any, resolved map[string]any) (any, error) {
	for _, a := range args {
		v, err := evalNode(a, data, resolved)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func evalOr(args []any, data map[string]any, resolved map[string]any) (any, error) {
	for _, a := range args {
		v, err := evalNode(a, data, resolved)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func evalCompare(op string, args []any, data map[string]any, resolved map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("condition: operator %q requires exactly two operands", op)
	}
	left, err := evalNode(args[0], data, resolved)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(args[1], data, resolved)
	if err != nil {
		return nil, err
	}
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	default:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, nil
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	return nil, fmt.Errorf("condition: unreachable comparison operator %q", op)
}

func evalIn(args []any, data map[string]any, resolved map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("condition: 'in' requires exactly two operands")
	}
	needle, err := evalNode(args[0], data, resolved)
	if err != nil {
		return nil, err
	}
	haystack, err := evalNode(args[1], data, resolved)
	if err != nil {
		return nil, err
	}
	list, ok := haystack.([]any)
	if !ok {
		return false, nil
	}
	for _, item := range list {
		if looseEqual(needle, item) {
			return true, nil
		}
	}
	return false, nil
}

// resolveVar walks a dotted path through data, returning nil for any
// missing key, nil intermediate, or non-object intermediate it encounters.
func resolveVar(data map[string]any, path string) any {
	if path == "" {
		return data
	}
	segments := strings.Split(path, ".")
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// truthy mirrors JSON-Logic's truthiness rules: nil, false, 0, "", and
// empty arrays are falsy; everything else is truthy.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		return as == bs
	}
	ab, abok := a.(bool)
	bb, bbok := b.(bool)
	if abok && bbok {
		return ab == bb
	}
	if a == nil && b == nil {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
