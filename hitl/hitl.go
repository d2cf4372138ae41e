// Package hitl implements the human-in-the-loop service contract: raising
// approval/clarification requests against a paused node, resolving
// operator decisions into runtime policy actions, and enforcing a per-run
// denial cap, grounded on runtime/agent/interrupt in the teacher repo
// (there expressed as workflow signals; here as a plain synchronous
// service call, per spec.md's cooperative concurrency model).
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flexrt/flexcore/envelope"
)

// ResponseType distinguishes an operator's approval from a rejection.
type ResponseType string

const (
	ResponseApproval  ResponseType = "approval"
	ResponseRejection ResponseType = "rejection"
)

// Request is one HITL approval/clarification request raised against a
// paused node.
type Request struct {
	ID              string
	RunID           string
	PendingNodeID   string
	OperatorPrompt  string
	ContractSummary map[string]any
	Payload         map[string]any
	CreatedAt       time.Time
	Status          string // "pending", "resolved", "denied"
}

// Response is an operator's decision on a Request.
type Response struct {
	RequestID    string
	Approved     bool
	ResponseType ResponseType
	Notes        string
	RespondedAt  time.Time
	Payload      map[string]any
}

// RunState is the full HITL history for one run.
type RunState struct {
	Requests         []Request
	Responses        []Response
	PendingRequestID string
	DeniedCount      int
}

// RaiseContext carries the information needed to construct a Request.
type RaiseContext struct {
	PendingNodeID   string
	OperatorPrompt  string
	ContractSummary map[string]any
}

// RaiseResult is returned by RaiseRequest: either the request is now
// pending operator action, or it was denied outright because the run's
// denial cap was already exhausted.
type RaiseResult struct {
	Status  string // "pending" | "denied"
	Request *Request
	Reason  string
}

// Decision is a resolved operator decision: the action the engine should
// apply next (approveAction or rejectAction from the triggering policy).
type Decision struct {
	Kind     string // "approve" | "reject"
	Request  Request
	Response Response
}

// DeniedError reports that a run's HITL denial cap has been exhausted.
type DeniedError struct {
	RunID string
	Cap   int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("hitl: run %q has exhausted its HITL denial cap of %d", e.RunID, e.Cap)
}

// Service is the HITL contract the execution engine depends on.
type Service interface {
	LoadRunState(ctx context.Context, runID string) (RunState, error)
	RaiseRequest(ctx context.Context, runID string, rc RaiseContext) (RaiseResult, error)
	Resolve(ctx context.Context, runID, requestID string, resp Response) (Decision, error)
	Remove(ctx context.Context, runID, requestID string) error
}

// ParseDecisionAction picks the envelope.Action a resolved Decision should
// trigger, given the runtime policy that raised the original request.
func ParseDecisionAction(policy envelope.RuntimePolicy, decision Decision) (*envelope.Action, error) {
	if policy.Action.Kind != envelope.ActionHITL {
		return nil, fmt.Errorf("hitl: policy %q is not a hitl action", policy.ID)
	}
	switch decision.Kind {
	case "approve":
		return policy.Action.ApproveAction, nil
	case "reject":
		return policy.Action.RejectAction, nil
	default:
		return nil, fmt.Errorf("hitl: unknown decision kind %q", decision.Kind)
	}
}

// InMemoryService is the reference Service implementation: process-local
// state keyed by run, with a configurable per-run denial cap. Production
// deployments may back this with the same Mongo collections persistence
// uses, but spec.md does not mandate durable HITL state, so the in-memory
// form also serves as the default in cmd/flexd.
type InMemoryService struct {
	mu       sync.Mutex
	states   map[string]*RunState
	denyCap  int
	idSource func() string
}

// NewInMemoryService constructs an InMemoryService with the given denial
// cap (0 means unlimited) and ID generator (defaults to a counter-based
// generator if nil; cmd/flexd passes nil and so uses that default).
func NewInMemoryService(denyCap int, idSource func() string) *InMemoryService {
	if idSource == nil {
		idSource = counterIDSource()
	}
	return &InMemoryService{
		states:   make(map[string]*RunState),
		denyCap:  denyCap,
		idSource: idSource,
	}
}

func counterIDSource() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("hitl-req-%d", n)
	}
}

func (s *InMemoryService) stateFor(runID string) *RunState {
	if st, ok := s.states[runID]; ok {
		return st
	}
	st := &RunState{}
	s.states[runID] = st
	return st
}

// LoadRunState returns a copy of the run's HITL history.
func (s *InMemoryService) LoadRunState(_ context.Context, runID string) (RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(runID)
	return *st, nil
}

// RaiseRequest records a new pending request, or denies it immediately if
// the run has already exhausted its denial cap.
func (s *InMemoryService) RaiseRequest(_ context.Context, runID string, rc RaiseContext) (RaiseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(runID)

	if s.denyCap > 0 && st.DeniedCount >= s.denyCap {
		return RaiseResult{Status: "denied", Reason: "hitl denial cap exhausted"}, nil
	}

	req := Request{
		ID:              s.idSource(),
		RunID:           runID,
		PendingNodeID:   rc.PendingNodeID,
		OperatorPrompt:  rc.OperatorPrompt,
		ContractSummary: rc.ContractSummary,
		CreatedAt:        time.Now(),
		Status:           "pending",
	}
	st.Requests = append(st.Requests, req)
	st.PendingRequestID = req.ID
	return RaiseResult{Status: "pending", Request: &req}, nil
}

// Resolve records an operator's response and clears the run's pending
// request. A rejection counts against the run's denial cap.
func (s *InMemoryService) Resolve(_ context.Context, runID, requestID string, resp Response) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(runID)

	var req *Request
	for i := range st.Requests {
		if st.Requests[i].ID == requestID {
			req = &st.Requests[i]
		}
	}
	if req == nil {
		return Decision{}, fmt.Errorf("hitl: no request %q for run %q", requestID, runID)
	}
	resp.RequestID = requestID
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	req.Status = "resolved"
	st.Responses = append(st.Responses, resp)
	if st.PendingRequestID == requestID {
		st.PendingRequestID = ""
	}

	kind := "approve"
	if !resp.Approved {
		kind = "reject"
		st.DeniedCount++
	}
	return Decision{Kind: kind, Request: *req, Response: resp}, nil
}

// Remove deletes a request from the run's history entirely (used when a
// replan supersedes a still-pending request).
func (s *InMemoryService) Remove(_ context.Context, runID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(runID)
	for i, req := range st.Requests {
		if req.ID == requestID {
			st.Requests = append(st.Requests[:i], st.Requests[i+1:]...)
			break
		}
	}
	if st.PendingRequestID == requestID {
		st.PendingRequestID = ""
	}
	return nil
}
