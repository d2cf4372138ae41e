// Package capreg implements the capability registry: capability
// registration, contract compilation via the facet catalog, heartbeat-based
// liveness, and a single-flighted, TTL-cached active-capability snapshot.
package capreg

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/telemetry"
	"golang.org/x/sync/singleflight"
)

// AgentType distinguishes AI-executable capabilities from capabilities that
// resolve to a human task assignment.
type AgentType string

const (
	AgentTypeAI    AgentType = "ai"
	AgentTypeHuman AgentType = "human"
)

// Status is the liveness state of a registered capability.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Heartbeat configures how a capability's liveness is judged from its
// lastSeenAt timestamp.
type Heartbeat struct {
	IntervalSeconds *int
	TimeoutSeconds  *int
}

// effective returns the heartbeat timeout to apply: the explicit
// TimeoutSeconds if set, else three times IntervalSeconds, else a
// conservative default.
func (h Heartbeat) effective() time.Duration {
	if h.TimeoutSeconds != nil {
		return time.Duration(*h.TimeoutSeconds) * time.Second
	}
	if h.IntervalSeconds != nil {
		return time.Duration(*h.IntervalSeconds*3) * time.Second
	}
	return 90 * time.Second
}

// AssignmentDefaults configures how a human-agentType capability's task is
// assigned and what happens if it is declined.
type AssignmentDefaults struct {
	Role             string
	TimeoutSeconds   int
	MaxNotifications int
	OnDecline        string
	NotifyChannels   []string
}

// supportedOnDecline is the set of onDecline values this implementation
// accepts at registration time. Only "fail_run" is implemented; the enum is
// kept open so "continue"/"replan" can be added without a breaking change.
var supportedOnDecline = map[string]bool{
	"fail_run": true,
	"":         true,
}

// PostCondition binds a facet/path to a DSL condition a capability's output
// must satisfy once executed.
type PostCondition struct {
	Facet     string
	Path      string
	Condition envelope.Condition
}

// Registration is the payload passed to Register: a pre-compilation view of
// a capability, expressed in terms of facet names or a raw JSON Schema.
type Registration struct {
	CapabilityID         string
	Version              string
	DisplayName          string
	Summary              string
	AgentType            AgentType
	InputContract        facet.Contract
	OutputContract       facet.Contract
	Heartbeat            Heartbeat
	AssignmentDefaults   *AssignmentDefaults
	InstructionTemplates map[string]any
	PostConditions       []PostCondition
	Metadata             map[string]any
	PreferredModels      []string
	Cost                 map[string]any
}

// Record is the canonical, compiled, persisted form of a registered
// capability.
type Record struct {
	CapabilityID         string
	Version              string
	DisplayName          string
	Summary              string
	AgentType            AgentType
	InputContract        *facet.JSONSchemaContract
	OutputContract       *facet.JSONSchemaContract
	Heartbeat            Heartbeat
	AssignmentDefaults   *AssignmentDefaults
	InstructionTemplates map[string]any
	PostConditions       []PostCondition
	Metadata             map[string]any
	PreferredModels      []string
	Cost                 map[string]any
	Status               Status
	LastSeenAt           time.Time
	RegisteredAt         time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// InputFacets returns the facet names referenced by the compiled input
// contract, empty if the capability uses a raw JSON Schema input contract.
func (r Record) InputFacets() []string { return r.InputContract.FacetNames() }

// OutputFacets returns the facet names referenced by the compiled output
// contract.
func (r Record) OutputFacets() []string { return r.OutputContract.FacetNames() }

// RegistrationRejected reports that a Register call failed validation; Code
// is a stable machine-readable reason.
type RegistrationRejected struct {
	Code    string
	Message string
}

func (e *RegistrationRejected) Error() string {
	return fmt.Sprintf("capreg: registration rejected (%s): %s", e.Code, e.Message)
}

// Store is the persistence boundary the registry depends on. Implementations
// live in persistence/mongo (durable) and persistence/inmem (tests).
type Store interface {
	Upsert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, bool, error)
	List(ctx context.Context) ([]Record, error)
	MarkInactive(ctx context.Context, ids []string, now time.Time) error
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithCacheTTL overrides the snapshot cache TTL (default 2s).
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.cacheTTL = ttl }
}

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the capability registry: it owns registration, contract
// compilation, and a cached, heartbeat-corrected snapshot of active
// capabilities for CRCS computation.
type Registry struct {
	store    Store
	catalog  *facet.Catalog
	cacheTTL time.Duration
	logger   telemetry.Logger

	mu       sync.Mutex
	cached   []Record
	cachedAt time.Time
	group    singleflight.Group
}

// New constructs a Registry backed by store, compiling contracts against
// catalog.
func New(store Store, catalog *facet.Catalog, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		catalog:  catalog,
		cacheTTL: 2 * time.Second,
		logger:   telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles the registration's contracts against the facet catalog
// and upserts the resulting Record. A capability that, after compilation,
// carries no output contract is rejected: every capability must declare
// what it produces.
func (r *Registry) Register(ctx context.Context, reg Registration) (Record, error) {
	if reg.CapabilityID == "" {
		return Record{}, &RegistrationRejected{Code: "missing_capability_id", Message: "capabilityId is required"}
	}
	if reg.AssignmentDefaults != nil && !supportedOnDecline[reg.AssignmentDefaults.OnDecline] {
		return Record{}, &RegistrationRejected{
			Code:    "unsupported_decline_action",
			Message: fmt.Sprintf("onDecline %q is not supported", reg.AssignmentDefaults.OnDecline),
		}
	}

	compiled, err := r.catalog.CompileContracts(reg.InputContract, reg.OutputContract)
	if err != nil {
		return Record{}, &RegistrationRejected{Code: "contract_compilation_failed", Message: err.Error()}
	}
	if compiled.Output == nil {
		return Record{}, &RegistrationRejected{Code: "missing_output_contract", Message: "capability must declare an output contract"}
	}

	now := time.Now()
	rec := Record{
		CapabilityID:         reg.CapabilityID,
		Version:              reg.Version,
		DisplayName:          reg.DisplayName,
		Summary:              reg.Summary,
		AgentType:            reg.AgentType,
		InputContract:        compiled.Input,
		OutputContract:       compiled.Output,
		Heartbeat:            reg.Heartbeat,
		AssignmentDefaults:   reg.AssignmentDefaults,
		InstructionTemplates: reg.InstructionTemplates,
		PostConditions:       reg.PostConditions,
		Metadata:             reg.Metadata,
		PreferredModels:      reg.PreferredModels,
		Cost:                 reg.Cost,
		Status:               StatusActive,
		LastSeenAt:           now,
		RegisteredAt:         now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	stored, err := r.store.Upsert(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("capreg: upserting capability %q: %w", reg.CapabilityID, err)
	}
	r.invalidate()
	return stored, nil
}

// GetCapabilityByID returns a single capability record without going
// through the snapshot cache.
func (r *Registry) GetCapabilityByID(ctx context.Context, id string) (Record, bool, error) {
	return r.store.Get(ctx, id)
}

// ListActive returns the cached, heartbeat-corrected list of active
// capabilities, refreshing the cache (at most once per concurrent burst via
// singleflight) if it has expired.
func (r *Registry) ListActive(ctx context.Context) ([]Record, error) {
	all, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Status == StatusActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Sweep forces a heartbeat-timeout pass and cache refresh, independent of
// the cache TTL. Callers (an operator command, a cron) invoke it explicitly;
// the registry never schedules this itself.
func (r *Registry) Sweep(ctx context.Context) error {
	_, err := r.refresh(ctx)
	return err
}

func (r *Registry) snapshot(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < r.cacheTTL {
		cached := r.cached
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("snapshot", func() (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *Registry) refresh(ctx context.Context) ([]Record, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("capreg: listing capabilities: %w", err)
	}
	now := time.Now()
	var expired []string
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Status == StatusActive && now.Sub(rec.LastSeenAt) > rec.Heartbeat.effective() {
			rec.Status = StatusInactive
			expired = append(expired, rec.CapabilityID)
		}
		out = append(out, rec)
	}
	if len(expired) > 0 {
		sort.Strings(expired)
		if err := r.store.MarkInactive(ctx, expired, now); err != nil {
			r.logger.Error("capreg: marking capabilities inactive", "error", err, "capabilityIds", expired)
		}
	}
	r.mu.Lock()
	r.cached = out
	r.cachedAt = now
	r.mu.Unlock()
	return out, nil
}
