package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hooks"
)

// validateScope runs one of the four contract-validation scopes 4.H.2
// names (envelope, capability_input, capability_output, final_output). A
// nil contract always passes: a node or envelope that declares no contract
// has nothing to check. On failure it emits a validation_error event and
// returns a FlexValidationError; the engine never retries a validation
// failure silently.
func (a *attempt) validateScope(ctx context.Context, scope, nodeID string, contract *facet.JSONSchemaContract, instance map[string]any) error {
	if contract == nil {
		return nil
	}
	validator, err := facet.CompileValidator(contract)
	if err != nil {
		return fmt.Errorf("engine: compiling %s validator for node %q: %w", scope, nodeID, err)
	}
	if verr := validator.Validate(instance); verr != nil {
		details := facet.ValidationDetails(verr)
		a.coord.publish(ctx, hooks.NewValidationErrorEvent(a.runID, scope, nodeID, summarizeDetails(details), a.coord.deps.Now()))
		return &FlexValidationError{Scope: scope, NodeID: nodeID, Details: details}
	}
	return nil
}

func summarizeDetails(details []facet.ValidationDetail) string {
	msgs := make([]string, 0, len(details))
	for _, d := range details {
		msgs = append(msgs, d.Message)
	}
	return strings.Join(msgs, "; ")
}

// validateEnvelopeScope is the "envelope" validation scope. The data model
// has no pre-compiled envelope input contract (envelope.Envelope.Inputs is
// a free-form map; only its output contract is declared), so this scope
// checks the structural invariants a run cannot proceed without — an
// objective and an output contract — rather than compiling a schema that
// does not exist. A richer envelope input contract, if spec.md's
// distillation ever adds one, would compile and validate here the same way
// capability_input does.
func (a *attempt) validateEnvelopeScope(ctx context.Context) error {
	var details []facet.ValidationDetail
	if strings.TrimSpace(a.env.Objective) == "" {
		details = append(details, facet.ValidationDetail{Message: "envelope objective is required", InstancePath: "/objective"})
	}
	if a.env.OutputContract.Mode == "" && len(a.env.OutputContract.Facets) == 0 && a.env.OutputContract.Schema == nil {
		details = append(details, facet.ValidationDetail{Message: "envelope output contract is required", InstancePath: "/outputContract"})
	}
	if len(details) == 0 {
		return nil
	}
	a.coord.publish(ctx, hooks.NewValidationErrorEvent(a.runID, "envelope", "", summarizeDetails(details), a.coord.deps.Now()))
	return &FlexValidationError{Scope: "envelope", Details: details}
}
