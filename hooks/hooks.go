// Package hooks implements the run event stream: a typed event taxonomy and
// a simple publish/subscribe bus, grounded on runtime/agent/hooks in the
// teacher repo.
package hooks

import (
	"sync"
	"time"
)

// Event is the common interface every event type satisfies.
type Event interface {
	EventType() string
	EventRunID() string
	EventTimestamp() time.Time
}

type base struct {
	Type      string
	RunID     string
	Timestamp time.Time
}

func (b base) EventType() string         { return b.Type }
func (b base) EventRunID() string        { return b.RunID }
func (b base) EventTimestamp() time.Time { return b.Timestamp }

// PlanGeneratedEvent fires once the planner has produced a plan (first
// attempt or any replan).
type PlanGeneratedEvent struct {
	base
	PlanVersion int
	NodeIDs     []string
}

// NewPlanGeneratedEvent constructs a PlanGeneratedEvent.
func NewPlanGeneratedEvent(runID string, planVersion int, nodeIDs []string, at time.Time) PlanGeneratedEvent {
	return PlanGeneratedEvent{base: base{Type: "plan_generated", RunID: runID, Timestamp: at}, PlanVersion: planVersion, NodeIDs: nodeIDs}
}

// NodeStartedEvent fires when a node is dispatched.
type NodeStartedEvent struct {
	base
	NodeID       string
	CapabilityID string
}

func NewNodeStartedEvent(runID, nodeID, capabilityID string, at time.Time) NodeStartedEvent {
	return NodeStartedEvent{base: base{Type: "node_started", RunID: runID, Timestamp: at}, NodeID: nodeID, CapabilityID: capabilityID}
}

// NodeCompletedEvent fires when a node finishes successfully.
type NodeCompletedEvent struct {
	base
	NodeID       string
	CapabilityID string
	Output       map[string]any
}

func NewNodeCompletedEvent(runID, nodeID, capabilityID string, output map[string]any, at time.Time) NodeCompletedEvent {
	return NodeCompletedEvent{base: base{Type: "node_completed", RunID: runID, Timestamp: at}, NodeID: nodeID, CapabilityID: capabilityID, Output: output}
}

// NodeErrorEvent fires when a node's dispatch fails or its output fails
// contract validation.
type NodeErrorEvent struct {
	base
	NodeID  string
	Message string
}

func NewNodeErrorEvent(runID, nodeID, message string, at time.Time) NodeErrorEvent {
	return NodeErrorEvent{base: base{Type: "node_error", RunID: runID, Timestamp: at}, NodeID: nodeID, Message: message}
}

// ValidationErrorEvent fires when a contract-validation scope rejects an
// instance.
type ValidationErrorEvent struct {
	base
	Scope   string
	NodeID  string
	Message string
}

func NewValidationErrorEvent(runID, scope, nodeID, message string, at time.Time) ValidationErrorEvent {
	return ValidationErrorEvent{base: base{Type: "validation_error", RunID: runID, Timestamp: at}, Scope: scope, NodeID: nodeID, Message: message}
}

// PolicyTriggeredEvent fires the moment a runtime policy's trigger matches,
// before its action is applied.
type PolicyTriggeredEvent struct {
	base
	PolicyID string
	NodeID   string
	Trigger  string
}

func NewPolicyTriggeredEvent(runID, policyID, nodeID, trigger string, at time.Time) PolicyTriggeredEvent {
	return PolicyTriggeredEvent{base: base{Type: "policy_triggered", RunID: runID, Timestamp: at}, PolicyID: policyID, NodeID: nodeID, Trigger: trigger}
}

// PolicyUpdateEvent fires once a runtime policy's action has been applied,
// carrying the action kind and node for audit (e.g. "policy_update:goto",
// "policy_update:pause", "policy_update:emit").
type PolicyUpdateEvent struct {
	base
	PolicyID string
	NodeID   string
	Action   string
	Payload  map[string]any
}

func NewPolicyUpdateEvent(runID, policyID, nodeID, action string, payload map[string]any, at time.Time) PolicyUpdateEvent {
	return PolicyUpdateEvent{base: base{Type: "policy_update", RunID: runID, Timestamp: at}, PolicyID: policyID, NodeID: nodeID, Action: action, Payload: payload}
}

// RoutingEvent fires when a routing node resolves its branch, or fails to.
type RoutingEvent struct {
	base
	NodeID         string
	SelectedTarget string
	Resolution     string // "match" | "else" | "replan"
}

func NewRoutingEvent(runID, nodeID, selectedTarget, resolution string, at time.Time) RoutingEvent {
	return RoutingEvent{base: base{Type: "routing_" + resolution, RunID: runID, Timestamp: at}, NodeID: nodeID, SelectedTarget: selectedTarget, Resolution: resolution}
}

// HITLRequestEvent fires when a HITL approval/clarification request is raised.
type HITLRequestEvent struct {
	base
	RequestID string
	NodeID    string
}

func NewHITLRequestEvent(runID, requestID, nodeID string, at time.Time) HITLRequestEvent {
	return HITLRequestEvent{base: base{Type: "hitl_request", RunID: runID, Timestamp: at}, RequestID: requestID, NodeID: nodeID}
}

// FeedbackResolutionEvent fires when a previously-observed feedback entry's
// resolution changes between one node's "feedback" facet output and the
// next (4.H.5). Resolving a HITL request does not emit it.
type FeedbackResolutionEvent struct {
	base
	Key      string
	Facet    string
	Path     string
	Message  string
	Note     string
	Previous string
	Current  string
}

func NewFeedbackResolutionEvent(runID, key, facetName, path, message, note, previous, current string, at time.Time) FeedbackResolutionEvent {
	return FeedbackResolutionEvent{
		base:     base{Type: "feedback_resolution", RunID: runID, Timestamp: at},
		Key:      key,
		Facet:    facetName,
		Path:     path,
		Message:  message,
		Note:     note,
		Previous: previous,
		Current:  current,
	}
}

// LogEvent carries a free-form log line into the event stream, for
// collaborators that only watch the stream (not structured logs).
type LogEvent struct {
	base
	Level   string
	Message string
}

func NewLogEvent(runID, level, message string, at time.Time) LogEvent {
	return LogEvent{base: base{Type: "log", RunID: runID, Timestamp: at}, Level: level, Message: message}
}

// CompleteEvent fires once, terminally, when a run reaches a final status.
type CompleteEvent struct {
	base
	Status string
}

func NewCompleteEvent(runID, status string, at time.Time) CompleteEvent {
	return CompleteEvent{base: base{Type: "complete", RunID: runID, Timestamp: at}, Status: status}
}

// Subscriber receives every event published on a Bus it is registered with.
type Subscriber func(Event)

// Bus is a simple fan-out publish/subscribe event bus. Production
// deployments back it with stream.Sink (Pulse-backed); tests use it
// in-memory directly.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber; it receives every event published from
// this point forward.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish fans ev out to every subscriber, synchronously and in
// registration order, matching the cooperative single-goroutine-per-run
// concurrency model: a subscriber that blocks, blocks the run.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers...)
	b.mu.RUnlock()
	for _, sub := range subs {
		sub(ev)
	}
}
