// Package crcs computes the Capability Reachability & Selection (CRCS)
// snapshot: the subset of active capabilities the planner is allowed to
// choose from for a given run, derived by intersecting forward reachability
// (what can run given currently available facets) with backward
// reachability (what eventually produces the facets the envelope's output
// contract and goal conditions need).
package crcs

import (
	"sort"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
)

// ReasonCode enumerates why a row was included in the snapshot.
const (
	ReasonForwardReachable  = "forward_reachable"
	ReasonBackwardReachable = "backward_reachable"
	// ReasonPolicyReference marks a row pinned by policies.planner.selection.require
	// or by a policies.runtime[].trigger.selector.capabilityId.
	ReasonPolicyReference = "policy_reference"
	// ReasonGoalCondition marks a row pinned because it produces a facet a
	// goal condition (or an observed goal-condition failure) names.
	ReasonGoalCondition = "goal_condition"
)

// Source distinguishes a genuine forward∩backward MRCS row from a row
// present only because something pinned it outside that intersection.
const (
	SourceMRCS   = "mrcs"
	SourcePinned = "pinned"
)

// Row is one capability made available to the planner, annotated with why
// it survived CRCS.
type Row struct {
	CapabilityID   string
	DisplayName    string
	AgentType      capreg.AgentType
	InputFacets    []string
	OutputFacets   []string
	PostConditions []capreg.PostCondition
	ReasonCodes    []string
	Source         string
}

// GraphContext carries facets already available from a prior (partial) plan
// when CRCS is recomputed mid-run (e.g. for a replan).
type GraphContext struct {
	CompletedNodeOutputFacets []string
}

// Input is everything CRCS needs to compute a snapshot.
type Input struct {
	Envelope            envelope.Envelope
	Active              []capreg.Record
	GraphContext        *GraphContext
	AvailableFacetHints []string
	MaxRows             *int

	// PolicyRequiredCapabilityIDs comes from policies.planner.selection.require.
	PolicyRequiredCapabilityIDs []string
	// RuntimeSelectorCapabilityIDs comes from every
	// policies.runtime[].trigger.selector.capabilityId in the envelope.
	RuntimeSelectorCapabilityIDs []string
	// GoalConditionFailureFacets carries facets named by an observed
	// goalConditionFailure, for the replan case where CRCS needs to pin
	// producers of a condition that just failed in addition to the
	// envelope's own goal_condition list.
	GoalConditionFailureFacets []string
}

// Snapshot is the computed CRCS result, including its diagnostics.
type Snapshot struct {
	Rows                       []Row
	TotalRows                  int
	MRCSSize                   int
	ReasonCounts               map[string]int
	RowCap                     int
	Truncated                  bool
	PinnedCapabilityIDs        []string
	MRCSCapabilityIDs          []string
	MissingPinnedCapabilityIDs []string
}

const defaultRowCap = 200

// Compute runs the CRCS algorithm described in spec.md 4.E.
func Compute(input Input) (Snapshot, error) {
	byID := make(map[string]capreg.Record, len(input.Active))
	for _, rec := range input.Active {
		byID[rec.CapabilityID] = rec
	}
	facetToProducers := buildFacetToProducers(input.Active)

	available := availableFacetSet(input)
	forward := forwardReachable(input.Active, available)

	needed := neededFacetSet(input)
	backward := backwardReachable(input.Active, needed)

	mrcs := make(map[string]bool)
	for id := range forward {
		if backward[id] {
			mrcs[id] = true
		}
	}

	reasonsByID := make(map[string][]string, len(mrcs))
	for id := range mrcs {
		if forward[id] {
			reasonsByID[id] = append(reasonsByID[id], ReasonForwardReachable)
		}
		if backward[id] {
			reasonsByID[id] = append(reasonsByID[id], ReasonBackwardReachable)
		}
	}

	pinned := make(map[string]bool)
	var missingPinned []string

	pinByCapabilityID := func(id, reason string) {
		if _, ok := byID[id]; !ok {
			missingPinned = append(missingPinned, id)
			return
		}
		pinned[id] = true
		reasonsByID[id] = appendUnique(reasonsByID[id], reason)
	}
	for _, id := range input.PolicyRequiredCapabilityIDs {
		pinByCapabilityID(id, ReasonPolicyReference)
	}
	for _, id := range input.RuntimeSelectorCapabilityIDs {
		pinByCapabilityID(id, ReasonPolicyReference)
	}

	goalFacets := goalConditionFacetSet(input)
	for _, facetName := range goalFacets {
		producers := facetToProducers[facetName]
		if len(producers) == 0 {
			missingPinned = append(missingPinned, "facet:"+facetName)
			continue
		}
		for _, id := range producers {
			pinned[id] = true
			reasonsByID[id] = appendUnique(reasonsByID[id], ReasonGoalCondition)
		}
	}

	pinnedIDs := sortedKeys(pinned)

	rowCap := defaultRowCap
	if input.MaxRows != nil && *input.MaxRows > 0 {
		rowCap = *input.MaxRows
	}

	included := make(map[string]bool, len(mrcs)+len(pinned))
	for id := range mrcs {
		included[id] = true
	}
	for id := range pinned {
		included[id] = true
	}

	reasonCounts := map[string]int{}
	rows := make([]Row, 0, len(included))
	for _, rec := range input.Active {
		if !included[rec.CapabilityID] {
			continue
		}
		id := rec.CapabilityID
		reasons := reasonsByID[id]
		sort.Strings(reasons)
		for _, r := range reasons {
			reasonCounts[r]++
		}
		source := SourcePinned
		if mrcs[id] {
			source = SourceMRCS
		}
		rows = append(rows, Row{
			CapabilityID:   rec.CapabilityID,
			DisplayName:    rec.DisplayName,
			AgentType:      rec.AgentType,
			InputFacets:    rec.InputFacets(),
			OutputFacets:   rec.OutputFacets(),
			PostConditions: rec.PostConditions,
			ReasonCodes:    reasons,
			Source:         source,
		})
	}

	total := len(rows)
	truncated := false
	if total > rowCap {
		truncated = true
		rows = truncateKeepingPinned(rows, rowCap, pinned)
	}

	return Snapshot{
		Rows:                       rows,
		TotalRows:                  total,
		MRCSSize:                   len(mrcs),
		ReasonCounts:               reasonCounts,
		RowCap:                     rowCap,
		Truncated:                  truncated,
		PinnedCapabilityIDs:        pinnedIDs,
		MRCSCapabilityIDs:          sortedKeys(mrcs),
		MissingPinnedCapabilityIDs: missingPinned,
	}, nil
}

func buildFacetToProducers(active []capreg.Record) map[string][]string {
	out := map[string][]string{}
	for _, rec := range active {
		for _, f := range rec.OutputFacets() {
			out[f] = appendUnique(out[f], rec.CapabilityID)
		}
	}
	return out
}

func availableFacetSet(input Input) map[string]bool {
	set := map[string]bool{}
	for name := range input.Envelope.Inputs {
		set[name] = true
	}
	for _, name := range input.AvailableFacetHints {
		set[name] = true
	}
	if input.GraphContext != nil {
		for _, name := range input.GraphContext.CompletedNodeOutputFacets {
			set[name] = true
		}
	}
	return set
}

func neededFacetSet(input Input) map[string]bool {
	set := map[string]bool{}
	switch input.Envelope.OutputContract.Mode {
	case facet.ModeFacets, "":
		for _, name := range input.Envelope.OutputContract.Facets {
			set[name] = true
		}
	}
	for _, name := range goalConditionFacetSet(input) {
		set[name] = true
	}
	return set
}

// goalConditionFacetSet collects every facet a goal condition depends on,
// from the envelope's own goal_condition list plus any facet named by an
// observed goal-condition failure on a replan.
func goalConditionFacetSet(input Input) []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, gc := range input.Envelope.GoalConditions {
		add(gc.Facet)
	}
	for _, name := range input.GoalConditionFailureFacets {
		add(name)
	}
	sort.Strings(names)
	return names
}

// forwardReachable computes the set of capability IDs reachable by starting
// from available facets and repeatedly admitting any capability whose ENTIRE
// input-facet set is already available (AND-over-inputs), adding its output
// facets to the available set, until no more capabilities are admitted.
func forwardReachable(active []capreg.Record, available map[string]bool) map[string]bool {
	reachable := map[string]bool{}
	avail := cloneSet(available)
	for {
		progressed := false
		for _, rec := range active {
			if reachable[rec.CapabilityID] {
				continue
			}
			if allAvailable(rec.InputFacets(), avail) {
				reachable[rec.CapabilityID] = true
				for _, out := range rec.OutputFacets() {
					if !avail[out] {
						avail[out] = true
					}
				}
				progressed = true
			}
		}
		if !progressed {
			return reachable
		}
	}
}

// backwardReachable computes the set of capability IDs that contribute,
// directly or transitively, to producing at least one needed facet. Unlike
// forward reachability this is an OR: a capability is admitted if it
// produces ANY currently-needed facet, and its own input facets then become
// needed in turn.
func backwardReachable(active []capreg.Record, needed map[string]bool) map[string]bool {
	reachable := map[string]bool{}
	need := cloneSet(needed)
	for {
		progressed := false
		for _, rec := range active {
			if reachable[rec.CapabilityID] {
				continue
			}
			if anyNeeded(rec.OutputFacets(), need) {
				reachable[rec.CapabilityID] = true
				for _, in := range rec.InputFacets() {
					if !need[in] {
						need[in] = true
					}
				}
				progressed = true
			}
		}
		if !progressed {
			return reachable
		}
	}
}

func allAvailable(facets []string, available map[string]bool) bool {
	for _, f := range facets {
		if !available[f] {
			return false
		}
	}
	return true
}

func anyNeeded(facets []string, needed map[string]bool) bool {
	for _, f := range facets {
		if needed[f] {
			return true
		}
	}
	return false
}

func cloneSet(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

// truncateKeepingPinned caps rows at rowCap, always keeping pinned rows even
// if that means dropping non-pinned rows earlier than row-cap order would
// otherwise dictate.
func truncateKeepingPinned(rows []Row, rowCap int, pinned map[string]bool) []Row {
	var pinnedRows, rest []Row
	for _, r := range rows {
		if pinned[r.CapabilityID] {
			pinnedRows = append(pinnedRows, r)
		} else {
			rest = append(rest, r)
		}
	}
	out := append([]Row{}, pinnedRows...)
	remaining := rowCap - len(out)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > len(rest) {
		remaining = len(rest)
	}
	out = append(out, rest[:remaining]...)
	return out
}
