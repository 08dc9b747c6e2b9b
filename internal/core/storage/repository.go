package storage

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNoMetadata is returned when a database has no usable metadata record.
var ErrNoMetadata = errors.New("metadata has no usable field lists")

// Store defines read/update access to the document store. One implementation
// exists (mongo); the interface keeps the scheduler testable without a server.
type Store interface {
	// ListDatabases returns the names of all supervised databases.
	ListDatabases(ctx context.Context) ([]string, error)

	// ListPolicies returns the well-formed aggregation policies of a database.
	// Malformed policies are skipped with a warning. An authorization error
	// yields an empty list and no error, so unauthorized databases are skipped
	// silently.
	ListPolicies(ctx context.Context, db string) ([]Policy, error)

	// FetchMetadata derives the required meta field list and the value field
	// list from the database's metadata record. Fails if either list is empty.
	FetchMetadata(ctx context.Context, db string) (Metadata, error)

	// FetchMeasurements evaluates the policy's opaque meta selector and
	// returns, per identifier, the measurement with the greatest start,
	// carrying the requested meta fields and the values sub-map.
	FetchMeasurements(ctx context.Context, db string, selector bson.M, required []string) (map[string]Measurement, error)

	// FetchDirty scans the data collection of the interval for documents with
	// updated >= since whose identifier is in identifiers.
	FetchDirty(ctx context.Context, db string, interval, since int64, identifiers []string) ([]DataDocument, error)

	// RefetchByIDs re-reads documents by internal id with the same projection
	// as FetchDirty. Documents deleted in between are simply absent.
	RefetchByIDs(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) ([]DataDocument, error)

	// ClearDirty removes the updated, updated_start and updated_end fields on
	// all matched documents.
	ClearDirty(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) error

	// SetLastRun persists the bucket-aligned last_run marker of a policy.
	SetLastRun(ctx context.Context, db, policy string, lastRun int64) error
}
