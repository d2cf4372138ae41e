package crcs_test

import (
	"testing"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/crcs"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contractFromFacets(names ...string) *facet.JSONSchemaContract {
	c := &facet.JSONSchemaContract{}
	for _, n := range names {
		c.Provenance = append(c.Provenance, facet.ProvenanceEntry{Facet: n})
	}
	return c
}

func rec(id string, in, out []string) capreg.Record {
	return capreg.Record{
		CapabilityID:   id,
		Status:         capreg.StatusActive,
		InputContract:  contractFromFacets(in...),
		OutputContract: contractFromFacets(out...),
	}
}

func findRow(rows []crcs.Row, id string) (crcs.Row, bool) {
	for _, r := range rows {
		if r.CapabilityID == id {
			return r, true
		}
	}
	return crcs.Row{}, false
}

func TestComputeChainsForwardAndBackward(t *testing.T) {
	active := []capreg.Record{
		rec("gather-brief", nil, []string{"objectiveBrief"}),
		rec("draft-copy", []string{"objectiveBrief"}, []string{"copyVariants"}),
		rec("unrelated", []string{"somethingElse"}, []string{"somethingElseOut"}),
	}
	input := crcs.Input{
		Envelope: envelope.Envelope{
			OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
		},
		Active: active,
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gather-brief", "draft-copy"}, snap.MRCSCapabilityIDs)
	assert.NotContains(t, snap.MRCSCapabilityIDs, "unrelated")
}

// TestEveryMRCSRowIsInForwardIntersectBackward is property 8 from the
// testable properties: every row with source='mrcs' must be reachable both
// forward (from available facets) and backward (from needed facets).
func TestEveryMRCSRowIsInForwardIntersectBackward(t *testing.T) {
	active := []capreg.Record{
		rec("gather-brief", nil, []string{"objectiveBrief"}),
		rec("draft-copy", []string{"objectiveBrief"}, []string{"copyVariants"}),
		rec("off-path", []string{"xyz"}, []string{"abc"}),
	}
	input := crcs.Input{
		Envelope: envelope.Envelope{
			OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
		},
		Active:                      active,
		PolicyRequiredCapabilityIDs: []string{"off-path"},
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)

	mrcsSet := map[string]bool{}
	for _, id := range snap.MRCSCapabilityIDs {
		mrcsSet[id] = true
	}
	for _, row := range snap.Rows {
		if row.Source == crcs.SourceMRCS {
			assert.True(t, mrcsSet[row.CapabilityID], "row %q claims source=mrcs but is not in forward∩backward", row.CapabilityID)
		}
	}
}

func TestComputePinnedButUnreachableGetsPinnedSourceNotMRCS(t *testing.T) {
	active := []capreg.Record{
		rec("draft-copy", nil, []string{"copyVariants"}),
		rec("off-path", []string{"xyz"}, []string{"abc"}),
	}
	input := crcs.Input{
		Envelope: envelope.Envelope{
			OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
		},
		Active:                      active,
		PolicyRequiredCapabilityIDs: []string{"off-path"},
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)

	assert.NotContains(t, snap.MRCSCapabilityIDs, "off-path")
	row, ok := findRow(snap.Rows, "off-path")
	require.True(t, ok)
	assert.Equal(t, crcs.SourcePinned, row.Source)
	assert.Contains(t, row.ReasonCodes, crcs.ReasonPolicyReference)
}

func TestComputeRuntimeSelectorPinsWithPolicyReference(t *testing.T) {
	active := []capreg.Record{
		rec("draft-copy", nil, []string{"copyVariants"}),
		rec("off-path", []string{"xyz"}, []string{"abc"}),
	}
	input := crcs.Input{
		Envelope: envelope.Envelope{
			OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
		},
		Active:                       active,
		RuntimeSelectorCapabilityIDs: []string{"off-path"},
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)

	row, ok := findRow(snap.Rows, "off-path")
	require.True(t, ok)
	assert.Equal(t, crcs.SourcePinned, row.Source)
	assert.Contains(t, row.ReasonCodes, crcs.ReasonPolicyReference)
}

func TestComputeGoalConditionFacetPinsProducerWithGoalConditionReason(t *testing.T) {
	active := []capreg.Record{
		rec("draft-copy", nil, []string{"copyVariants"}),
		rec("score-copy", []string{"copyVariants"}, []string{"qualityScore"}),
	}
	input := crcs.Input{
		Envelope: envelope.Envelope{
			OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
			GoalConditions: []envelope.GoalCondition{{Facet: "qualityScore"}},
		},
		Active: active,
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)

	row, ok := findRow(snap.Rows, "score-copy")
	require.True(t, ok)
	assert.Contains(t, row.ReasonCodes, crcs.ReasonGoalCondition)
}

func TestComputeReportsMissingPinnedCapability(t *testing.T) {
	input := crcs.Input{
		Envelope:                    envelope.Envelope{},
		Active:                      nil,
		PolicyRequiredCapabilityIDs: []string{"does-not-exist"},
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)
	assert.Equal(t, []string{"does-not-exist"}, snap.MissingPinnedCapabilityIDs)
}

func TestComputeReportsMissingGoalConditionFacetAsFacetReference(t *testing.T) {
	input := crcs.Input{
		Envelope: envelope.Envelope{
			GoalConditions: []envelope.GoalCondition{{Facet: "noProducer"}},
		},
		Active: nil,
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)
	assert.Contains(t, snap.MissingPinnedCapabilityIDs, "facet:noProducer")
}

func TestComputeTruncatesAtRowCapButKeepsPinned(t *testing.T) {
	active := []capreg.Record{
		rec("a", nil, []string{"x"}),
		rec("b", nil, []string{"x"}),
		rec("c", nil, []string{"x"}),
	}
	maxRows := 1
	input := crcs.Input{
		Envelope: envelope.Envelope{
			OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"x"}},
		},
		Active:                      active,
		MaxRows:                     &maxRows,
		PolicyRequiredCapabilityIDs: []string{"c"},
	}
	snap, err := crcs.Compute(input)
	require.NoError(t, err)
	assert.True(t, snap.Truncated)
	assert.Len(t, snap.Rows, 1)
	assert.Equal(t, "c", snap.Rows[0].CapabilityID)
}
