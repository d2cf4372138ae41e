package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flexrt/flexcore/capreg"
)

const defaultCapabilitiesCollection = "flex_capabilities"

// CapabilityStore is a MongoDB-backed capreg.Store.
type CapabilityStore struct {
	coll    collection
	timeout time.Duration
}

// NewCapabilityStore connects a CapabilityStore to flex_capabilities.
func NewCapabilityStore(ctx context.Context, opts Options) (*CapabilityStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	name := opts.Collection
	if name == "" {
		name = defaultCapabilitiesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureUniqueIndex(ictx, coll, "capability_id"); err != nil {
		return nil, fmt.Errorf("mongo flex_capabilities index: %w", err)
	}
	return &CapabilityStore{coll: coll, timeout: timeout}, nil
}

func (s *CapabilityStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

type capabilityDocument struct {
	CapabilityID         string         `bson:"capability_id"`
	Version              string         `bson:"version,omitempty"`
	DisplayName          string         `bson:"display_name"`
	Summary              string         `bson:"summary,omitempty"`
	AgentType            string         `bson:"agent_type"`
	InputContract        any            `bson:"input_contract,omitempty"`
	OutputContract       any            `bson:"output_contract"`
	Heartbeat            any            `bson:"heartbeat,omitempty"`
	AssignmentDefaults   any            `bson:"assignment_defaults,omitempty"`
	InstructionTemplates map[string]any `bson:"instruction_templates,omitempty"`
	PostConditions       any            `bson:"post_conditions,omitempty"`
	Metadata             map[string]any `bson:"metadata,omitempty"`
	PreferredModels      []string       `bson:"preferred_models,omitempty"`
	Cost                 map[string]any `bson:"cost,omitempty"`
	Status               string         `bson:"status"`
	LastSeenAt           time.Time      `bson:"last_seen_at"`
	RegisteredAt         time.Time      `bson:"registered_at"`
	CreatedAt            time.Time      `bson:"created_at"`
	UpdatedAt            time.Time      `bson:"updated_at"`
}

func fromCapabilityRecord(rec capreg.Record) capabilityDocument {
	return capabilityDocument{
		CapabilityID:         rec.CapabilityID,
		Version:              rec.Version,
		DisplayName:          rec.DisplayName,
		Summary:              rec.Summary,
		AgentType:            string(rec.AgentType),
		InputContract:        rec.InputContract,
		OutputContract:       rec.OutputContract,
		Heartbeat:            rec.Heartbeat,
		AssignmentDefaults:   rec.AssignmentDefaults,
		InstructionTemplates: rec.InstructionTemplates,
		PostConditions:       rec.PostConditions,
		Metadata:             rec.Metadata,
		PreferredModels:      rec.PreferredModels,
		Cost:                 rec.Cost,
		Status:               string(rec.Status),
		LastSeenAt:           rec.LastSeenAt,
		RegisteredAt:         rec.RegisteredAt,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
	}
}

func (d capabilityDocument) toCapabilityRecord() capreg.Record {
	rec := capreg.Record{
		CapabilityID:         d.CapabilityID,
		Version:              d.Version,
		DisplayName:          d.DisplayName,
		Summary:              d.Summary,
		AgentType:            capreg.AgentType(d.AgentType),
		InstructionTemplates: d.InstructionTemplates,
		Metadata:             d.Metadata,
		PreferredModels:      d.PreferredModels,
		Cost:                 d.Cost,
		Status:               capreg.Status(d.Status),
		LastSeenAt:           d.LastSeenAt,
		RegisteredAt:         d.RegisteredAt,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
	if d.InputContract != nil {
		_ = bson.Unmarshal(mustMarshal(d.InputContract), &rec.InputContract)
	}
	if d.OutputContract != nil {
		_ = bson.Unmarshal(mustMarshal(d.OutputContract), &rec.OutputContract)
	}
	if d.PostConditions != nil {
		var wrapper struct {
			V []capreg.PostCondition `bson:"v"`
		}
		if err := bson.Unmarshal(mustMarshal(bson.M{"v": d.PostConditions}), &wrapper); err == nil {
			rec.PostConditions = wrapper.V
		}
	}
	if d.Heartbeat != nil {
		_ = bson.Unmarshal(mustMarshal(d.Heartbeat), &rec.Heartbeat)
	}
	if d.AssignmentDefaults != nil {
		_ = bson.Unmarshal(mustMarshal(d.AssignmentDefaults), &rec.AssignmentDefaults)
	}
	return rec
}

// Upsert stores rec, preserving RegisteredAt/CreatedAt across re-registration.
func (s *CapabilityStore) Upsert(ctx context.Context, rec capreg.Record) (capreg.Record, error) {
	if rec.CapabilityID == "" {
		return capreg.Record{}, errors.New("capability id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	existing, ok, err := s.Get(ctx, rec.CapabilityID)
	if err != nil {
		return capreg.Record{}, err
	}
	if ok {
		rec.RegisteredAt = existing.RegisteredAt
		rec.CreatedAt = existing.CreatedAt
	}
	doc := fromCapabilityRecord(rec)
	filter := bson.M{"capability_id": rec.CapabilityID}
	update := bson.M{"$set": doc}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return capreg.Record{}, fmt.Errorf("mongo upsert capability %q: %w", rec.CapabilityID, err)
	}
	return rec, nil
}

// Get returns the capability registered under id.
func (s *CapabilityStore) Get(ctx context.Context, id string) (capreg.Record, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc capabilityDocument
	if err := s.coll.FindOne(ctx, bson.M{"capability_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, errNoDocuments) {
			return capreg.Record{}, false, nil
		}
		return capreg.Record{}, false, fmt.Errorf("mongo get capability %q: %w", id, err)
	}
	return doc.toCapabilityRecord(), true, nil
}

// List returns every registered capability.
func (s *CapabilityStore) List(ctx context.Context) ([]capreg.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongo list capabilities: %w", err)
	}
	var docs []capabilityDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode capabilities: %w", err)
	}
	out := make([]capreg.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toCapabilityRecord())
	}
	return out, nil
}

// MarkInactive flips the given capability IDs to inactive.
func (s *CapabilityStore) MarkInactive(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"status":     string(capreg.StatusInactive),
		"updated_at": now,
	}}
	for _, id := range ids {
		filter := bson.M{"capability_id": id}
		if _, err := s.coll.UpdateOne(ctx, filter, update); err != nil {
			return fmt.Errorf("mongo mark capability %q inactive: %w", id, err)
		}
	}
	return nil
}

var _ capreg.Store = (*CapabilityStore)(nil)
