package condition

import (
	"strings"

	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/runctx"
)

// Result is the outcome of evaluating one goal condition or post-condition
// against a run's facet state. The same shape serves both uses since both
// check "does this facet's value, at this path, satisfy this DSL".
type Result struct {
	Facet         string
	Path          string
	Satisfied     bool
	ObservedValue any
	Error         string
}

// EvaluateGoalConditions checks every envelope goal condition against the
// current run snapshot. Field references inside a condition's DSL are
// resolved relative to the observed value at Facet/Path under the variable
// name "value" (e.g. "value.count > 3", or bare "value" for a truthy check).
func EvaluateGoalConditions(conds []envelope.GoalCondition, snap runctx.Snapshot) []Result {
	out := make([]Result, 0, len(conds))
	for _, c := range conds {
		out = append(out, evaluateOne(c.Facet, c.Path, c.DSL, snap))
	}
	return out
}

// EvaluateCondition checks a single capability post-condition against the
// current run snapshot, the same facet/path/DSL shape goal conditions use.
// It prefers cond.JSONLogic when the condition already carries a compiled
// form (capreg stores post-conditions as registered and does not compile
// them), falling back to compiling cond.DSL on the fly otherwise.
func EvaluateCondition(facetName, path string, cond envelope.Condition, snap runctx.Snapshot) Result {
	entry := snap.Facets[facetName]
	observed := navigate(entry.Value, path)
	result := Result{Facet: facetName, Path: path, ObservedValue: observed}

	logic := cond.JSONLogic
	if logic == nil {
		trimmed := strings.TrimSpace(cond.DSL)
		if trimmed == "" {
			result.Satisfied = truthy(observed)
			return result
		}
		var err error
		_, logic, err = CompileDSL(trimmed)
		if err != nil {
			result.Error = err.Error()
			return result
		}
	}

	eval := EvaluateBool(logic, map[string]any{"value": observed})
	if eval.Error != "" {
		result.Error = eval.Error
		return result
	}
	result.Satisfied = eval.OK
	return result
}

func evaluateOne(facetName, path, dsl string, snap runctx.Snapshot) Result {
	entry := snap.Facets[facetName]
	observed := navigate(entry.Value, path)

	result := Result{Facet: facetName, Path: path, ObservedValue: observed}

	trimmed := strings.TrimSpace(dsl)
	if trimmed == "" {
		result.Satisfied = truthy(observed)
		return result
	}

	_, logic, err := CompileDSL(trimmed)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	eval := EvaluateBool(logic, map[string]any{"value": observed})
	if eval.Error != "" {
		result.Error = eval.Error
		return result
	}
	result.Satisfied = eval.OK
	return result
}

// navigate walks a dotted path through value, the same missing-resolves-to-nil
// semantics as resolveVar but starting from an arbitrary root value rather
// than a map[string]any.
func navigate(value any, path string) any {
	if path == "" {
		return value
	}
	cur := value
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}
