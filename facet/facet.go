// Package facet implements the facet catalog and contract compiler: the
// registry of named, typed, schema-backed semantic data slots that
// capabilities and plans exchange instead of raw untyped JSON.
package facet

import (
	"fmt"
	"sort"
	"sync"
)

// Direction constrains how a facet may appear in a capability contract.
type Direction string

const (
	// DirectionInput marks a facet usable only in input contracts.
	DirectionInput Direction = "input"
	// DirectionOutput marks a facet usable only in output contracts.
	DirectionOutput Direction = "output"
	// DirectionBoth allows a facet in either input or output contracts.
	DirectionBoth Direction = "both"
)

// Definition describes one registered facet: its JSON Schema fragment, the
// canonical JSON pointer it occupies in a composed run output, and which
// directions it may be used in.
type Definition struct {
	Name      string
	Title     string
	Schema    map[string]any
	Pointer   string
	Direction Direction
}

// Catalog is the process-wide registry of facet definitions. It is safe for
// concurrent use; registration is expected at startup, lookups happen on
// every planning and execution cycle.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]Definition)}
}

// Register adds or replaces a facet definition. It validates that the
// definition carries a name, a pointer, and a non-nil schema.
func (c *Catalog) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("facet: definition missing name")
	}
	if def.Pointer == "" {
		return fmt.Errorf("facet %q: missing canonical pointer", def.Name)
	}
	if def.Schema == nil {
		return fmt.Errorf("facet %q: missing schema", def.Name)
	}
	if def.Direction == "" {
		def.Direction = DirectionBoth
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name, if any.
func (c *Catalog) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

// Names returns every registered facet name in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UnknownFacetError reports a reference to a facet name not present in the
// catalog.
type UnknownFacetError struct {
	Facet string
}

func (e *UnknownFacetError) Error() string {
	return fmt.Sprintf("facet: unknown facet %q", e.Facet)
}

// DirectionalityError reports a facet used in a direction its definition
// does not permit (e.g. an output-only facet referenced as an input).
type DirectionalityError struct {
	Facet     string
	Direction Direction
}

func (e *DirectionalityError) Error() string {
	return fmt.Sprintf("facet: facet %q is not usable as %s", e.Facet, e.Direction)
}

// ContractMode selects how a capability or envelope contract is expressed.
type ContractMode string

const (
	// ModeFacets expresses the contract as a list of facet names.
	ModeFacets ContractMode = "facets"
	// ModeJSONSchema expresses the contract as a raw JSON Schema document,
	// bypassing the facet catalog entirely.
	ModeJSONSchema ContractMode = "json_schema"
)

// Contract is the declared shape of a capability or envelope input/output
// contract prior to compilation.
type Contract struct {
	Mode   ContractMode
	Facets []string
	Schema map[string]any
	Hints  map[string]any
}

// ProvenanceEntry records where a single property of a composed JSON Schema
// contract came from: which facet, under what title, in which direction,
// written at which pointer in the composed document.
type ProvenanceEntry struct {
	Title     string
	Direction Direction
	Facet     string
	Pointer   string
}

// JSONSchemaContract is the compiled form of a Contract: a single JSON
// Schema document plus the facet provenance of every property it declares.
// Capabilities, plan nodes, and envelopes all carry this compiled shape —
// never the pre-compilation Contract — once they cross the planner boundary.
type JSONSchemaContract struct {
	Schema     map[string]any
	Provenance []ProvenanceEntry
}

// FacetNames returns the facet names referenced by the contract's
// provenance, in the order they were compiled.
func (c *JSONSchemaContract) FacetNames() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Provenance))
	for _, p := range c.Provenance {
		if p.Facet != "" {
			out = append(out, p.Facet)
		}
	}
	return out
}

// CompileContract compiles a pre-compilation Contract into its JSON Schema
// form. In ModeFacets, every named facet must exist in the catalog and must
// permit the requested direction; the compiled schema is an object schema
// with one required property per facet, keyed by facet name, using the
// facet's own schema fragment as the property schema. In ModeJSONSchema the
// raw schema is used verbatim and no provenance is produced (the caller
// supplied their own schema, outside the facet system).
func (c *Catalog) CompileContract(contract Contract, dir Direction) (*JSONSchemaContract, error) {
	switch contract.Mode {
	case ModeJSONSchema:
		if contract.Schema == nil {
			return nil, fmt.Errorf("facet: json_schema contract missing schema")
		}
		return &JSONSchemaContract{Schema: contract.Schema}, nil
	case ModeFacets, "":
		return c.compileFacetContract(contract.Facets, dir)
	default:
		return nil, fmt.Errorf("facet: unknown contract mode %q", contract.Mode)
	}
}

func (c *Catalog) compileFacetContract(names []string, dir Direction) (*JSONSchemaContract, error) {
	properties := make(map[string]any, len(names))
	required := make([]string, 0, len(names))
	provenance := make([]ProvenanceEntry, 0, len(names))
	for _, name := range names {
		def, ok := c.Get(name)
		if !ok {
			return nil, &UnknownFacetError{Facet: name}
		}
		if def.Direction != DirectionBoth && def.Direction != dir {
			return nil, &DirectionalityError{Facet: name, Direction: dir}
		}
		properties[name] = def.Schema
		required = append(required, name)
		provenance = append(provenance, ProvenanceEntry{
			Title:     def.Title,
			Direction: dir,
			Facet:     name,
			Pointer:   def.Pointer,
		})
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	return &JSONSchemaContract{Schema: schema, Provenance: provenance}, nil
}

// FacetLists is a convenience pairing of a contract's input and output facet
// name lists, as capabilities and plan nodes carry them side by side with
// their compiled contracts.
type FacetLists struct {
	InputFacets  []string
	OutputFacets []string
}

// CompiledContracts bundles the compiled input/output JSON Schema
// contracts derived from a FacetLists (or raw schemas).
type CompiledContracts struct {
	Input  *JSONSchemaContract
	Output *JSONSchemaContract
}

// CompileContracts compiles an input and output Contract pair in one call,
// the shape both capability registration and planner node compilation need.
func (c *Catalog) CompileContracts(input, output Contract) (CompiledContracts, error) {
	var out CompiledContracts
	if input.Mode != "" || len(input.Facets) > 0 || input.Schema != nil {
		compiled, err := c.CompileContract(input, DirectionInput)
		if err != nil {
			return CompiledContracts{}, fmt.Errorf("facet: compiling input contract: %w", err)
		}
		out.Input = compiled
	}
	if output.Mode != "" || len(output.Facets) > 0 || output.Schema != nil {
		compiled, err := c.CompileContract(output, DirectionOutput)
		if err != nil {
			return CompiledContracts{}, fmt.Errorf("facet: compiling output contract: %w", err)
		}
		out.Output = compiled
	}
	return out, nil
}
