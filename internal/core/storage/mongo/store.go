// Package mongo implements storage.Store on a MongoDB deployment. Each
// supervised time-series database maps to one mongo database holding the
// aggregate, metadata, measurements and data/data_<interval> collections.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
)

const (
	policyCollection      = "aggregate"
	metadataCollection    = "metadata"
	measurementCollection = "measurements"
)

// unauthorizedCode is mongo's error code for missing privileges on a
// namespace. Databases answering with it are skipped silently.
const unauthorizedCode = 13

// dataProjection is the field set read from data collections. Both phases of
// the dirty-document read use the same projection.
var dataProjection = bson.D{
	{Key: "_id", Value: 1},
	{Key: "identifier", Value: 1},
	{Key: "start", Value: 1},
	{Key: "end", Value: 1},
	{Key: "updated", Value: 1},
	{Key: "updated_start", Value: 1},
	{Key: "updated_end", Value: 1},
}

// systemDatabases are mongo-internal and never carry aggregation policies.
var systemDatabases = map[string]bool{
	"admin":  true,
	"config": true,
	"local":  true,
}

// Adapter implements storage.Store for MongoDB.
type Adapter struct {
	client *mgo.Client
}

// NewAdapter connects to the deployment and verifies the connection with a
// ping. A failed ping is fatal for the caller: the scheduler must not enter
// its loop without a reachable store.
func NewAdapter(uri string, connectTimeout time.Duration) (*Adapter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mgo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	slog.Info("[Mongo] Adapter initialized", "uri", uri)
	return &Adapter{client: client}, nil
}

// Close disconnects the underlying client.
func (a *Adapter) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

// ListDatabases returns all non-system database names.
func (a *Adapter) ListDatabases(ctx context.Context) ([]string, error) {
	names, err := a.client.ListDatabaseNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	dbs := make([]string, 0, len(names))
	for _, name := range names {
		if systemDatabases[name] {
			continue
		}
		dbs = append(dbs, name)
	}
	return dbs, nil
}

// policyDoc is the raw policy shape. Interval and eval_position are pointers
// so missing fields are distinguishable from zero values.
type policyDoc struct {
	Name         string                         `bson:"name"`
	Interval     *int64                         `bson:"interval"`
	EvalPosition *int64                         `bson:"eval_position"`
	Meta         bson.M                         `bson:"meta"`
	Values       map[string]storage.ValueParams `bson:"values"`
	LastRun      int64                          `bson:"last_run"`
}

// wellFormed converts a raw policy document, reporting whether the mandatory
// fields are present.
func (d policyDoc) wellFormed() (storage.Policy, bool) {
	if d.Interval == nil || d.EvalPosition == nil {
		return storage.Policy{}, false
	}
	return storage.Policy{
		Name:         d.Name,
		Interval:     *d.Interval,
		EvalPosition: *d.EvalPosition,
		Meta:         d.Meta,
		Values:       d.Values,
		LastRun:      d.LastRun,
	}, true
}

// ListPolicies reads the aggregate collection of a database. Malformed
// policies are skipped with a warning; an unauthorized database yields an
// empty result without noise.
func (a *Adapter) ListPolicies(ctx context.Context, db string) ([]storage.Policy, error) {
	cur, err := a.client.Database(db).Collection(policyCollection).Find(ctx, bson.M{})
	if err != nil {
		if isUnauthorized(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list policies for %s: %w", db, err)
	}
	defer cur.Close(ctx)

	var policies []storage.Policy
	for cur.Next(ctx) {
		var doc policyDoc
		if err := cur.Decode(&doc); err != nil {
			slog.Warn("[Mongo] Skipping undecodable policy", "db", db, "error", err)
			continue
		}
		policy, ok := doc.wellFormed()
		if !ok {
			slog.Warn("[Mongo] Skipping malformed policy without interval or eval_position",
				"db", db, "policy", doc.Name)
			continue
		}
		policies = append(policies, policy)
	}
	if err := cur.Err(); err != nil {
		if isUnauthorized(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list policies for %s: %w", db, err)
	}
	return policies, nil
}

// metadataDoc preserves document order of the field maps via bson.D.
type metadataDoc struct {
	MetaFields bson.D `bson:"meta_fields"`
	Values     bson.D `bson:"values"`
}

// FetchMetadata derives the required meta field names and the value field
// names from the database's metadata record, keeping document order.
func (a *Adapter) FetchMetadata(ctx context.Context, db string) (storage.Metadata, error) {
	var doc metadataDoc
	err := a.client.Database(db).Collection(metadataCollection).FindOne(ctx, bson.M{}).Decode(&doc)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("fetch metadata for %s: %w", db, err)
	}
	md, err := deriveMetadata(doc)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("fetch metadata for %s: %w", db, err)
	}
	return md, nil
}

// deriveMetadata turns the raw metadata record into the two ordered field
// lists scheduling needs.
func deriveMetadata(doc metadataDoc) (storage.Metadata, error) {
	md := storage.Metadata{}
	for _, field := range doc.MetaFields {
		spec, ok := field.Value.(bson.D)
		if !ok {
			continue
		}
		if required, _ := lookupBool(spec, "required"); required {
			md.RequiredMeta = append(md.RequiredMeta, field.Key)
		}
	}
	for _, field := range doc.Values {
		md.ValueFields = append(md.ValueFields, field.Key)
	}
	if len(md.RequiredMeta) == 0 || len(md.ValueFields) == 0 {
		return storage.Metadata{}, storage.ErrNoMetadata
	}
	return md, nil
}

// FetchMeasurements evaluates the policy's opaque selector and keeps, per
// identifier, the instance with the greatest start. The selector is passed
// through verbatim; interpreting it belongs to the policy-authoring surface.
func (a *Adapter) FetchMeasurements(ctx context.Context, db string, selector bson.M, required []string) (map[string]storage.Measurement, error) {
	if selector == nil {
		selector = bson.M{}
	}
	pipeline := mgo.Pipeline{
		{{Key: "$match", Value: selector}},
		{{Key: "$sort", Value: bson.D{{Key: "start", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$identifier"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
	}

	cur, err := a.client.Database(db).Collection(measurementCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("fetch measurements for %s: %w", db, err)
	}
	defer cur.Close(ctx)

	measurements := make(map[string]storage.Measurement)
	for cur.Next(ctx) {
		var row struct {
			ID  string `bson:"_id"`
			Doc bson.M `bson:"doc"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode measurement for %s: %w", db, err)
		}
		measurements[row.ID] = measurementFromDoc(row.ID, row.Doc, required)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("fetch measurements for %s: %w", db, err)
	}
	return measurements, nil
}

// measurementFromDoc projects a raw measurement document down to the start,
// the requested meta fields and the per-value min/max bounds.
func measurementFromDoc(identifier string, doc bson.M, required []string) storage.Measurement {
	m := storage.Measurement{
		Identifier: identifier,
		Start:      asInt64(doc["start"]),
		Fields:     make(map[string]interface{}, len(required)),
		Values:     make(map[string]storage.MeasurementValue),
	}
	for _, field := range required {
		if v, ok := doc[field]; ok {
			m.Fields[field] = v
		}
	}
	if values, ok := doc["values"].(bson.M); ok {
		for name, raw := range values {
			sub, ok := raw.(bson.M)
			if !ok {
				continue
			}
			m.Values[name] = storage.MeasurementValue{
				Min: asFloat64(sub["min"]),
				Max: asFloat64(sub["max"]),
			}
		}
	}
	return m
}

// FetchDirty scans a data collection for documents touched since the given
// timestamp, restricted to the identifiers of the current work bucket.
func (a *Adapter) FetchDirty(ctx context.Context, db string, interval, since int64, identifiers []string) ([]storage.DataDocument, error) {
	filter := bson.M{
		"updated":    bson.M{"$gte": since},
		"identifier": bson.M{"$in": identifiers},
	}
	return a.findData(ctx, db, interval, filter)
}

// RefetchByIDs is the authoritative second read of the two-phase protocol.
func (a *Adapter) RefetchByIDs(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) ([]storage.DataDocument, error) {
	return a.findData(ctx, db, interval, bson.M{"_id": bson.M{"$in": ids}})
}

func (a *Adapter) findData(ctx context.Context, db string, interval int64, filter bson.M) ([]storage.DataDocument, error) {
	coll := storage.CollectionFor(interval)
	cur, err := a.client.Database(db).Collection(coll).Find(ctx, filter,
		options.Find().SetProjection(dataProjection))
	if err != nil {
		return nil, fmt.Errorf("fetch data from %s.%s: %w", db, coll, err)
	}
	defer cur.Close(ctx)

	var docs []storage.DataDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode data from %s.%s: %w", db, coll, err)
	}
	return docs, nil
}

// ClearDirty removes the dirty markers on all matched documents.
func (a *Adapter) ClearDirty(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) error {
	coll := storage.CollectionFor(interval)
	_, err := a.client.Database(db).Collection(coll).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$unset": bson.M{"updated": "", "updated_start": "", "updated_end": ""}},
	)
	if err != nil {
		return fmt.Errorf("clear dirty flags in %s.%s: %w", db, coll, err)
	}
	return nil
}

// SetLastRun persists the bucket-aligned last_run marker of a policy.
func (a *Adapter) SetLastRun(ctx context.Context, db, policy string, lastRun int64) error {
	_, err := a.client.Database(db).Collection(policyCollection).UpdateOne(ctx,
		bson.M{"name": policy},
		bson.M{"$set": bson.M{"last_run": lastRun}},
	)
	if err != nil {
		return fmt.Errorf("set last_run for %s.%s: %w", db, policy, err)
	}
	return nil
}

func isUnauthorized(err error) bool {
	var cmdErr mgo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == unauthorizedCode || cmdErr.Name == "Unauthorized"
	}
	return false
}

func lookupBool(doc bson.D, key string) (bool, bool) {
	for _, e := range doc {
		if e.Key == key {
			b, ok := e.Value.(bool)
			return b, ok
		}
	}
	return false, false
}

// asInt64 normalizes the integer encodings bson can deliver.
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// asFloat64 normalizes the numeric encodings bson can deliver.
func asFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
