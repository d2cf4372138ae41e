// Package runctx implements the run context: the mutable facet store a run
// accumulates as nodes execute, with per-write provenance, HITL
// clarification bookkeeping, and final-output composition.
package runctx

import (
	"fmt"
	"sync"
	"time"

	"github.com/flexrt/flexcore/facet"
)

// ProvenanceRecord captures which node, executing which capability, wrote a
// facet value, and why.
type ProvenanceRecord struct {
	NodeID       string
	CapabilityID string
	Rationale    string
	Timestamp    time.Time
}

// FacetEntry is a facet's current value plus the history of writes that
// produced it. The most recent write is last in Provenance.
type FacetEntry struct {
	Value      any
	Provenance []ProvenanceRecord
	UpdatedAt  time.Time
}

// ClarificationQuestion tracks one HITL clarification raised against a
// pending node, and its answer once resolved.
type ClarificationQuestion struct {
	NodeID       string
	CapabilityID string
	QuestionID   string
	Question     string
	CreatedAt    time.Time
	Answer       *string
	AnsweredAt   *time.Time
}

// Snapshot is the serializable state of a Context, the shape persisted
// alongside a plan snapshot and restored on resume.
type Snapshot struct {
	Facets              map[string]FacetEntry
	HITLClarifications  []ClarificationQuestion
}

// Context accumulates facet values and their provenance over the lifetime
// of one run. It is not safe for concurrent mutation from more than one
// goroutine at a time per spec.md's cooperative, single-threaded-per-run
// concurrency model, but read/write locking is still applied since event
// subscribers may read it from a different goroutine than the run loop.
type Context struct {
	mu                 sync.RWMutex
	facets             map[string]FacetEntry
	hitlClarifications []ClarificationQuestion
}

// New returns an empty run context.
func New() *Context {
	return &Context{facets: make(map[string]FacetEntry)}
}

// FromSnapshot rebuilds a Context from a persisted Snapshot, the resume path.
func FromSnapshot(snap Snapshot) *Context {
	c := &Context{facets: make(map[string]FacetEntry, len(snap.Facets))}
	for k, v := range snap.Facets {
		c.facets[k] = v
	}
	c.hitlClarifications = append([]ClarificationQuestion(nil), snap.HITLClarifications...)
	return c
}

// Snapshot returns a deep-enough copy of the context's state for persistence.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	facets := make(map[string]FacetEntry, len(c.facets))
	for k, v := range c.facets {
		facets[k] = v
	}
	return Snapshot{
		Facets:             facets,
		HITLClarifications: append([]ClarificationQuestion(nil), c.hitlClarifications...),
	}
}

// Facet returns a facet's current entry, if it has ever been written.
func (c *Context) Facet(name string) (FacetEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.facets[name]
	return e, ok
}

// UpdateFacet writes a new value for a facet, appending to its provenance
// history rather than discarding prior writes.
func (c *Context) UpdateFacet(name string, value any, prov ProvenanceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.facets[name]
	entry.Value = value
	entry.Provenance = append(entry.Provenance, prov)
	entry.UpdatedAt = prov.Timestamp
	c.facets[name] = entry
}

// UpdateFromNode writes every facet named in outputFacets from a completed
// node's output object, stamping each write with the node and capability
// that produced it. Facets present in outputFacets but absent from output
// are left unwritten — the engine's contract validation is responsible for
// rejecting that before UpdateFromNode is called.
func (c *Context) UpdateFromNode(nodeID, capabilityID string, outputFacets []string, output map[string]any, rationale string, at time.Time) {
	for _, name := range outputFacets {
		value, ok := output[name]
		if !ok {
			continue
		}
		c.UpdateFacet(name, value, ProvenanceRecord{
			NodeID:       nodeID,
			CapabilityID: capabilityID,
			Rationale:    rationale,
			Timestamp:    at,
		})
	}
}

// RecordClarificationQuestion registers a newly raised HITL clarification.
func (c *Context) RecordClarificationQuestion(q ClarificationQuestion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitlClarifications = append(c.hitlClarifications, q)
}

// RecordClarificationAnswer resolves the most recent unanswered
// clarification matching questionID.
func (c *Context) RecordClarificationAnswer(questionID, answer string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.hitlClarifications) - 1; i >= 0; i-- {
		q := &c.hitlClarifications[i]
		if q.QuestionID == questionID && q.Answer == nil {
			ans := answer
			q.Answer = &ans
			answeredAt := at
			q.AnsweredAt = &answeredAt
			return nil
		}
	}
	return fmt.Errorf("runctx: no unanswered clarification question with id %q", questionID)
}

// Clarifications returns a copy of the recorded HITL clarifications.
func (c *Context) Clarifications() []ClarificationQuestion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ClarificationQuestion(nil), c.hitlClarifications...)
}

// ComposeFinalOutput materializes the run's final output object by walking
// the facets named by the contract (facet mode) or the properties declared
// by a raw schema (json_schema mode), writing each facet's current value at
// its canonical catalog pointer. A facet referenced by the contract that was
// never written resolves to nil at its pointer rather than failing — the
// caller's goal-condition evaluation is responsible for deciding whether
// that is acceptable.
func ComposeFinalOutput(catalog *facet.Catalog, ctxState *Context, contract facet.Contract) (map[string]any, error) {
	names, err := contractFacetNames(contract)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	for _, name := range names {
		def, ok := catalog.Get(name)
		if !ok {
			return nil, &facet.UnknownFacetError{Facet: name}
		}
		entry, _ := ctxState.Facet(name)
		if err := writeAtPointer(out, def.Pointer, entry.Value); err != nil {
			return nil, fmt.Errorf("runctx: composing facet %q at pointer %q: %w", name, def.Pointer, err)
		}
	}
	return out, nil
}

func contractFacetNames(contract facet.Contract) ([]string, error) {
	switch contract.Mode {
	case facet.ModeFacets, "":
		return contract.Facets, nil
	case facet.ModeJSONSchema:
		props, _ := contract.Schema["properties"].(map[string]any)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("runctx: unknown contract mode %q", contract.Mode)
	}
}

// writeAtPointer writes value into dst at the RFC 6901-ish pointer path
// (e.g. "/copy/variants"), creating intermediate object maps as needed. Only
// single-segment and nested-object pointers are supported; array index
// segments are not, since facet pointers are always object paths.
func writeAtPointer(dst map[string]any, pointer string, value any) error {
	segments, err := splitPointer(pointer)
	if err != nil {
		return err
	}
	cur := dst
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return nil
}

func splitPointer(pointer string) ([]string, error) {
	if pointer == "" || pointer[0] != '/' {
		return nil, fmt.Errorf("runctx: pointer %q must start with '/'", pointer)
	}
	var segments []string
	start := 1
	for i := 1; i <= len(pointer); i++ {
		if i == len(pointer) || pointer[i] == '/' {
			segments = append(segments, pointer[start:i])
			start = i + 1
		}
	}
	return segments, nil
}
