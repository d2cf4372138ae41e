package runctx_test

import (
	"testing"
	"time"

	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/runctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFromNodeRecordsProvenance(t *testing.T) {
	c := runctx.New()
	now := time.Now()
	c.UpdateFromNode("node-1", "draft-copy", []string{"copyVariants"}, map[string]any{
		"copyVariants": []string{"a", "b"},
	}, "drafted initial variants", now)

	entry, ok := c.Facet("copyVariants")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, entry.Value)
	require.Len(t, entry.Provenance, 1)
	assert.Equal(t, "node-1", entry.Provenance[0].NodeID)
	assert.Equal(t, "draft-copy", entry.Provenance[0].CapabilityID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := runctx.New()
	c.UpdateFacet("brief", "hello", runctx.ProvenanceRecord{NodeID: "n1", Timestamp: time.Now()})
	c.RecordClarificationQuestion(runctx.ClarificationQuestion{NodeID: "n1", QuestionID: "q1", Question: "which tone?"})

	snap := c.Snapshot()
	restored := runctx.FromSnapshot(snap)

	entry, ok := restored.Facet("brief")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Value)
	require.Len(t, restored.Clarifications(), 1)
}

func TestRecordClarificationAnswerUnknownID(t *testing.T) {
	c := runctx.New()
	err := c.RecordClarificationAnswer("missing", "yes", time.Now())
	assert.Error(t, err)
}

func TestComposeFinalOutputWritesAtCanonicalPointer(t *testing.T) {
	cat := facet.NewCatalog()
	require.NoError(t, cat.Register(facet.Definition{
		Name: "copyVariants", Pointer: "/copy/variants", Direction: facet.DirectionBoth,
		Schema: map[string]any{"type": "array"},
	}))
	c := runctx.New()
	c.UpdateFacet("copyVariants", []string{"x"}, runctx.ProvenanceRecord{Timestamp: time.Now()})

	out, err := runctx.ComposeFinalOutput(cat, c, facet.Contract{
		Mode:   facet.ModeFacets,
		Facets: []string{"copyVariants"},
	})
	require.NoError(t, err)

	nested, ok := out["copy"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, nested["variants"])
}

func TestComposeFinalOutputUnwrittenFacetIsNil(t *testing.T) {
	cat := facet.NewCatalog()
	require.NoError(t, cat.Register(facet.Definition{
		Name: "unused", Pointer: "/unused", Direction: facet.DirectionBoth,
		Schema: map[string]any{"type": "string"},
	}))
	c := runctx.New()
	out, err := runctx.ComposeFinalOutput(cat, c, facet.Contract{
		Mode:   facet.ModeFacets,
		Facets: []string{"unused"},
	})
	require.NoError(t, err)
	assert.Nil(t, out["unused"])
}
