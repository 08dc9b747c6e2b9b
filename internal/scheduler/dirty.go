package scheduler

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
	"github.com/runakor/tsds-aggregate/internal/locking"
)

// DirtyFetcher performs the two-phase lock-then-reread protocol on one data
// collection. Writers hold the same keyed locks while mutating a document, so
// the second read under lock reflects committed updated_start/updated_end
// bounds.
type DirtyFetcher struct {
	store   storage.Store
	locks   *locking.Manager
	lockTTL time.Duration
}

// NewDirtyFetcher wires the fetcher to the store and the scheduler's lock
// manager. Acquired handles stay tracked on the manager until the work
// builder (or the scheduler's defensive sweep) releases them.
func NewDirtyFetcher(store storage.Store, locks *locking.Manager, lockTTL time.Duration) *DirtyFetcher {
	return &DirtyFetcher{store: store, locks: locks, lockTTL: lockTTL}
}

// Fetch scans for documents updated since the given timestamp, locks each one
// sequentially, then re-reads by the exact id set. The second read is
// authoritative: the scan may have gone stale between scan and lock, and
// documents deleted in between are simply dropped.
func (f *DirtyFetcher) Fetch(
	ctx context.Context,
	db string,
	interval, since int64,
	measurements map[string]storage.Measurement,
) ([]storage.DataDocument, error) {
	identifiers := make([]string, 0, len(measurements))
	for id := range measurements {
		identifiers = append(identifiers, id)
	}
	sort.Strings(identifiers)

	scanned, err := f.store.FetchDirty(ctx, db, interval, since, identifiers)
	if err != nil {
		return nil, err
	}
	if len(scanned) == 0 {
		return nil, nil
	}

	collection := storage.CollectionFor(interval)
	ids := make([]primitive.ObjectID, 0, len(scanned))
	for _, doc := range scanned {
		key := locking.KeyFor(db, collection, doc.Identifier, doc.Start, doc.End)
		if err := f.locks.Acquire(ctx, key, f.lockTTL); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}

	return f.store.RefetchByIDs(ctx, db, interval, ids)
}
