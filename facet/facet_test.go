package facet_test

import (
	"testing"

	"github.com/flexrt/flexcore/facet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	cat := facet.NewCatalog()
	require.NoError(t, cat.Register(facet.Definition{
		Name:      "objectiveBrief",
		Title:     "Objective Brief",
		Pointer:   "/objectiveBrief",
		Direction: facet.DirectionBoth,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{"type": "string"},
			},
			"required": []string{"status"},
		},
	}))
	require.NoError(t, cat.Register(facet.Definition{
		Name:      "copyVariants",
		Title:     "Copy Variants",
		Pointer:   "/copyVariants",
		Direction: facet.DirectionOutput,
		Schema: map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	}))
	return cat
}

func TestCompileContractFacetsMode(t *testing.T) {
	cat := newTestCatalog(t)
	compiled, err := cat.CompileContract(facet.Contract{
		Mode:   facet.ModeFacets,
		Facets: []string{"copyVariants"},
	}, facet.DirectionOutput)
	require.NoError(t, err)
	require.Len(t, compiled.Provenance, 1)
	assert.Equal(t, "copyVariants", compiled.Provenance[0].Facet)
	assert.Equal(t, "/copyVariants", compiled.Provenance[0].Pointer)
}

func TestCompileContractUnknownFacet(t *testing.T) {
	cat := newTestCatalog(t)
	_, err := cat.CompileContract(facet.Contract{
		Mode:   facet.ModeFacets,
		Facets: []string{"doesNotExist"},
	}, facet.DirectionInput)
	require.Error(t, err)
	var unknown *facet.UnknownFacetError
	assert.ErrorAs(t, err, &unknown)
}

func TestCompileContractWrongDirection(t *testing.T) {
	cat := newTestCatalog(t)
	_, err := cat.CompileContract(facet.Contract{
		Mode:   facet.ModeFacets,
		Facets: []string{"copyVariants"},
	}, facet.DirectionInput)
	require.Error(t, err)
	var dirErr *facet.DirectionalityError
	assert.ErrorAs(t, err, &dirErr)
}

func TestCompileContractJSONSchemaModeBypassesCatalog(t *testing.T) {
	cat := newTestCatalog(t)
	compiled, err := cat.CompileContract(facet.Contract{
		Mode:   facet.ModeJSONSchema,
		Schema: map[string]any{"type": "object"},
	}, facet.DirectionInput)
	require.NoError(t, err)
	assert.Empty(t, compiled.Provenance)
}

func TestValidatorRejectsMismatchedInstance(t *testing.T) {
	cat := newTestCatalog(t)
	compiled, err := cat.CompileContract(facet.Contract{
		Mode:   facet.ModeFacets,
		Facets: []string{"objectiveBrief"},
	}, facet.DirectionInput)
	require.NoError(t, err)

	validator, err := facet.CompileValidator(compiled)
	require.NoError(t, err)

	err = validator.Validate(map[string]any{})
	assert.Error(t, err)

	err = validator.Validate(map[string]any{
		"objectiveBrief": map[string]any{"status": "ready"},
	})
	assert.NoError(t, err)
}
