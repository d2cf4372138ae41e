// Package mongo implements persistence.Store and capreg.Store against
// MongoDB, grounded on features/run/mongo/clients/mongo/client.go's
// narrow-collection-interface-plus-document-struct layering and on
// registry/store/mongo's toDocument/fromDocument conversion pattern.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const defaultOpTimeout = 5 * time.Second

// Options configures a Store or CapabilityStore.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string // defaults per-store when empty
	Timeout    time.Duration
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (o Options) validate() error {
	if o.Client == nil {
		return errors.New("mongo client is required")
	}
	if o.Database == "" {
		return errors.New("database name is required")
	}
	return nil
}

// Pinger exposes health.Pinger over the underlying client, for wiring into
// a clue health checker alongside the other components cmd/flexd starts.
type Pinger struct {
	client *mongodriver.Client
	name   string
}

func (p Pinger) Name() string { return p.name }

func (p Pinger) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.client.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = Pinger{}

// collection is the narrow surface every store here needs, matched by both
// *mongodriver.Collection and the in-package fakes used in tests.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}

func ensureUniqueIndex(ctx context.Context, coll collection, key string) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func ensureIndex(ctx context.Context, coll collection, keys bson.D) error {
	index := mongodriver.IndexModel{Keys: keys}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

var errNoDocuments = mongodriver.ErrNoDocuments
