package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
	"github.com/runakor/tsds-aggregate/internal/locking"
)

// mockStore for testing. Measurement fixtures are keyed by policy name;
// policies under test carry a selector of the form {"policy": <name>} so the
// mock can dispatch on it the way the real store dispatches on the selector.
type mockStore struct {
	databases    []string
	policies     map[string][]storage.Policy
	metadata     map[string]storage.Metadata
	measurements map[string]map[string]storage.Measurement
	dirty        map[int64][]storage.DataDocument
	deleted      map[primitive.ObjectID]bool

	cleared  []clearCall
	lastRuns map[string]int64

	listDatabasesErr error
	metadataErr      error
	measurementsErr  error
	fetchDirtyErr    error
	refetchErr       error
	clearDirtyErr    error
	setLastRunErr    error
}

type clearCall struct {
	db       string
	interval int64
	ids      []primitive.ObjectID
}

func newMockStore() *mockStore {
	return &mockStore{
		policies:     make(map[string][]storage.Policy),
		metadata:     make(map[string]storage.Metadata),
		measurements: make(map[string]map[string]storage.Measurement),
		dirty:        make(map[int64][]storage.DataDocument),
		deleted:      make(map[primitive.ObjectID]bool),
		lastRuns:     make(map[string]int64),
	}
}

func (m *mockStore) ListDatabases(ctx context.Context) ([]string, error) {
	return m.databases, m.listDatabasesErr
}

func (m *mockStore) ListPolicies(ctx context.Context, db string) ([]storage.Policy, error) {
	return m.policies[db], nil
}

func (m *mockStore) FetchMetadata(ctx context.Context, db string) (storage.Metadata, error) {
	if m.metadataErr != nil {
		return storage.Metadata{}, m.metadataErr
	}
	md, ok := m.metadata[db]
	if !ok {
		return storage.Metadata{}, storage.ErrNoMetadata
	}
	return md, nil
}

func (m *mockStore) FetchMeasurements(ctx context.Context, db string, selector bson.M, required []string) (map[string]storage.Measurement, error) {
	if m.measurementsErr != nil {
		return nil, m.measurementsErr
	}
	name, _ := selector["policy"].(string)
	return m.measurements[name], nil
}

func (m *mockStore) FetchDirty(ctx context.Context, db string, interval, since int64, identifiers []string) ([]storage.DataDocument, error) {
	if m.fetchDirtyErr != nil {
		return nil, m.fetchDirtyErr
	}
	wanted := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		wanted[id] = true
	}
	var docs []storage.DataDocument
	for _, doc := range m.dirty[interval] {
		if doc.Updated >= since && wanted[doc.Identifier] {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (m *mockStore) RefetchByIDs(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) ([]storage.DataDocument, error) {
	if m.refetchErr != nil {
		return nil, m.refetchErr
	}
	wanted := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var docs []storage.DataDocument
	for _, doc := range m.dirty[interval] {
		if wanted[doc.ID] && !m.deleted[doc.ID] {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (m *mockStore) ClearDirty(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) error {
	if m.clearDirtyErr != nil {
		return m.clearDirtyErr
	}
	m.cleared = append(m.cleared, clearCall{db: db, interval: interval, ids: ids})
	return nil
}

func (m *mockStore) SetLastRun(ctx context.Context, db, policy string, lastRun int64) error {
	if m.setLastRunErr != nil {
		return m.setLastRunErr
	}
	m.lastRuns[db+"/"+policy] = lastRun
	for i := range m.policies[db] {
		if m.policies[db][i].Name == policy {
			m.policies[db][i].LastRun = lastRun
		}
	}
	return nil
}

// mockPublisher records published payloads. failAfter > 0 fails the n-th
// publish (1-based) and every publish after it; 0 disables failure.
type mockPublisher struct {
	published [][]byte
	failAfter int
}

func (p *mockPublisher) Publish(ctx context.Context, payload []byte) error {
	if p.failAfter > 0 && len(p.published)+1 >= p.failAfter {
		return fmt.Errorf("broker unavailable")
	}
	p.published = append(p.published, payload)
	return nil
}

// mockLocker tracks acquisitions and releases.
type mockLocker struct {
	acquired []string
	released []string
	failOn   map[string]bool
}

type mockHandle string

func (h mockHandle) Name() string { return string(h) }

func (l *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (locking.Handle, error) {
	if l.failOn[key] {
		return nil, fmt.Errorf("acquire lock %s: attempts exhausted", key)
	}
	l.acquired = append(l.acquired, key)
	return mockHandle(key), nil
}

func (l *mockLocker) Release(ctx context.Context, h locking.Handle) error {
	l.released = append(l.released, h.Name())
	return nil
}

func selectorFor(policy string) bson.M {
	return bson.M{"policy": policy}
}
