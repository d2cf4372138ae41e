package condition_test

import (
	"testing"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/runctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEvaluateSimpleComparison(t *testing.T) {
	canonical, logic, err := condition.CompileDSL(`facets.brief.value.status == "ready"`)
	require.NoError(t, err)
	assert.Contains(t, canonical, "==")

	result, err := condition.Evaluate(logic, map[string]any{
		"facets": map[string]any{
			"brief": map[string]any{"value": map[string]any{"status": "ready"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestEvaluateMissingFieldResolvesToNullNeverErrors(t *testing.T) {
	_, logic, err := condition.CompileDSL(`facets.missing.value.status == "ready"`)
	require.NoError(t, err)
	eval := condition.EvaluateBool(logic, map[string]any{})
	assert.False(t, eval.OK)
	assert.Empty(t, eval.Error)
}

func TestCompileBooleanCombinators(t *testing.T) {
	_, logic, err := condition.CompileDSL(`(a == 1 && b == 2) || !(c == 3)`)
	require.NoError(t, err)
	result, err := condition.Evaluate(logic, map[string]any{
		"a": 1.0, "b": 2.0, "c": 5.0,
	})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestCompileInOperator(t *testing.T) {
	_, logic, err := condition.CompileDSL(`status in ["draft", "ready"]`)
	require.NoError(t, err)
	result, err := condition.Evaluate(logic, map[string]any{"status": "ready"})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestEvaluateGoalConditionsTruthyCheck(t *testing.T) {
	snap := runctx.Snapshot{Facets: map[string]runctx.FacetEntry{
		"objectiveBrief": {Value: map[string]any{"status": "ready", "count": 4.0}},
	}}
	results := condition.EvaluateGoalConditions([]envelope.GoalCondition{
		{Facet: "objectiveBrief", Path: "status", DSL: `value == "ready"`},
		{Facet: "objectiveBrief", Path: "count", DSL: "value > 3"},
		{Facet: "missingFacet", Path: "", DSL: ""},
	}, snap)

	require.Len(t, results, 3)
	assert.True(t, results[0].Satisfied)
	assert.True(t, results[1].Satisfied)
	assert.False(t, results[2].Satisfied)
}

func TestCompileRejectsMalformedDSL(t *testing.T) {
	_, _, err := condition.CompileDSL(`status ==`)
	assert.Error(t, err)
}
