package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
	"github.com/runakor/tsds-aggregate/internal/locking"
)

func testMetadata() storage.Metadata {
	return storage.Metadata{
		RequiredMeta: []string{"host", "plugin"},
		ValueFields:  []string{"value"},
	}
}

func testMeasurement(identifier string) storage.Measurement {
	return storage.Measurement{
		Identifier: identifier,
		Start:      0,
		Fields:     map[string]interface{}{"host": "node1", "plugin": "load"},
		Values: map[string]storage.MeasurementValue{
			"value": {Min: 0.5, Max: 9.5},
		},
	}
}

func decodeOrders(t *testing.T, payload []byte) []WorkOrder {
	t.Helper()
	var orders []WorkOrder
	require.NoError(t, json.Unmarshal(payload, &orders))
	return orders
}

func TestFloorCeil(t *testing.T) {
	tests := []struct {
		t, interval, floor, ceil int64
	}{
		{90, 60, 60, 120},
		{125, 60, 120, 180},
		{120, 60, 120, 120},
		{0, 60, 0, 0},
		{59, 60, 0, 60},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.floor, floorTo(tc.t, tc.interval), "floorTo(%d, %d)", tc.t, tc.interval)
		assert.Equal(t, tc.ceil, ceilTo(tc.t, tc.interval), "ceilTo(%d, %d)", tc.t, tc.interval)
	}
}

func TestEmit_SingleDirtyDoc(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{}
	locker := &mockLocker{}
	locks := locking.NewManager(locker)
	require.NoError(t, locks.Acquire(ctx, "lock__db__data__x__0__86400", time.Minute))

	policy := storage.Policy{Name: "p", Interval: 60, EvalPosition: 1}
	doc := storage.DataDocument{
		ID:           primitive.NewObjectID(),
		Identifier:   "x",
		Start:        0,
		End:          86400,
		Updated:      100,
		UpdatedStart: 90,
		UpdatedEnd:   125,
	}
	measurements := map[string]storage.Measurement{"x": testMeasurement("x")}

	builder := NewWorkBuilder(store, pub, locks, 50)
	published, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, []storage.DataDocument{doc}, measurements)
	require.NoError(t, err)
	require.Equal(t, 1, published)
	require.Len(t, pub.published, 1)

	orders := decodeOrders(t, pub.published[0])
	require.Len(t, orders, 1)
	order := orders[0]
	assert.Equal(t, "db", order.Type)
	assert.Equal(t, int64(1), order.IntervalFrom)
	assert.Equal(t, int64(60), order.IntervalTo)
	assert.Equal(t, int64(60), order.Start)
	assert.Equal(t, int64(180), order.End)
	assert.Equal(t, []string{"host", "plugin"}, order.RequiredMeta)

	require.Len(t, order.Values, 1)
	assert.Equal(t, "value", order.Values[0].Name)
	assert.Nil(t, order.Values[0].HistRes)
	assert.Nil(t, order.Values[0].HistMinWidth)

	require.Len(t, order.Meta, 1)
	assert.Equal(t, []MetaValue{{Name: "value", Min: 0.5, Max: 9.5}}, order.Meta[0].Values)
	assert.Equal(t, "node1", order.Meta[0].Fields["host"])

	require.Len(t, store.cleared, 1)
	assert.Equal(t, []primitive.ObjectID{doc.ID}, store.cleared[0].ids)
	assert.Equal(t, int64(1), store.cleared[0].interval)
	assert.Equal(t, 0, locks.Held())
	assert.Equal(t, []string{"lock__db__data__x__0__86400"}, locker.released)
}

func TestEmit_HistogramParamsFromPolicy(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{}
	locks := locking.NewManager(&mockLocker{})

	res, width := 0.1, 5.0
	policy := storage.Policy{
		Name: "p", Interval: 60, EvalPosition: 1,
		Values: map[string]storage.ValueParams{
			"value": {HistRes: &res, HistMinWidth: &width},
		},
	}
	doc := storage.DataDocument{ID: primitive.NewObjectID(), Identifier: "x", UpdatedStart: 0, UpdatedEnd: 60}
	measurements := map[string]storage.Measurement{"x": testMeasurement("x")}

	builder := NewWorkBuilder(store, pub, locks, 50)
	_, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, []storage.DataDocument{doc}, measurements)
	require.NoError(t, err)

	order := decodeOrders(t, pub.published[0])[0]
	require.Len(t, order.Values, 1)
	require.NotNil(t, order.Values[0].HistRes)
	assert.Equal(t, 0.1, *order.Values[0].HistRes)
	require.NotNil(t, order.Values[0].HistMinWidth)
	assert.Equal(t, 5.0, *order.Values[0].HistMinWidth)
}

func TestEmit_ChunksAtFifty(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{}
	locks := locking.NewManager(&mockLocker{})

	policy := storage.Policy{Name: "p", Interval: 60, EvalPosition: 1}
	measurements := make(map[string]storage.Measurement)
	var docs []storage.DataDocument
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("m%03d", i)
		measurements[id] = testMeasurement(id)
		docs = append(docs, storage.DataDocument{
			ID:           primitive.NewObjectID(),
			Identifier:   id,
			UpdatedStart: 90,
			UpdatedEnd:   125,
		})
	}

	builder := NewWorkBuilder(store, pub, locks, 50)
	published, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, docs, measurements)
	require.NoError(t, err)
	require.Equal(t, 3, published)
	require.Len(t, pub.published, 3)

	sizes := make([]int, 0, 3)
	var envelopes []WorkOrder
	for _, payload := range pub.published {
		order := decodeOrders(t, payload)[0]
		sizes = append(sizes, len(order.Meta))
		order.Meta = nil
		envelopes = append(envelopes, order)
	}
	assert.Equal(t, []int{50, 50, 20}, sizes)

	// Envelope identical across all chunks of the group.
	assert.Equal(t, envelopes[0], envelopes[1])
	assert.Equal(t, envelopes[0], envelopes[2])
}

func TestEmit_GroupsByWindow(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{}
	locks := locking.NewManager(&mockLocker{})

	policy := storage.Policy{Name: "p", Interval: 60, EvalPosition: 1}
	measurements := map[string]storage.Measurement{
		"a": testMeasurement("a"),
		"b": testMeasurement("b"),
	}
	docs := []storage.DataDocument{
		{ID: primitive.NewObjectID(), Identifier: "a", UpdatedStart: 90, UpdatedEnd: 125},
		{ID: primitive.NewObjectID(), Identifier: "b", UpdatedStart: 400, UpdatedEnd: 450},
	}

	builder := NewWorkBuilder(store, pub, locks, 50)
	published, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, docs, measurements)
	require.NoError(t, err)
	require.Equal(t, 2, published)

	first := decodeOrders(t, pub.published[0])[0]
	second := decodeOrders(t, pub.published[1])[0]
	assert.Equal(t, int64(60), first.Start)
	assert.Equal(t, int64(180), first.End)
	assert.Equal(t, int64(360), second.Start)
	assert.Equal(t, int64(480), second.End)
}

func TestEmit_DeduplicatesIdentifiersWithinGroup(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{}
	locks := locking.NewManager(&mockLocker{})

	policy := storage.Policy{Name: "p", Interval: 60, EvalPosition: 1}
	measurements := map[string]storage.Measurement{"x": testMeasurement("x")}
	docs := []storage.DataDocument{
		{ID: primitive.NewObjectID(), Identifier: "x", UpdatedStart: 90, UpdatedEnd: 100},
		{ID: primitive.NewObjectID(), Identifier: "x", UpdatedStart: 95, UpdatedEnd: 110},
	}

	builder := NewWorkBuilder(store, pub, locks, 50)
	published, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, docs, measurements)
	require.NoError(t, err)
	require.Equal(t, 1, published)
	order := decodeOrders(t, pub.published[0])[0]
	assert.Len(t, order.Meta, 1)

	// Both document ids still get their flags cleared.
	require.Len(t, store.cleared, 1)
	assert.Len(t, store.cleared[0].ids, 2)
}

func TestEmit_PublishFailureLeavesFlags(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{failAfter: 1}
	locker := &mockLocker{}
	locks := locking.NewManager(locker)
	require.NoError(t, locks.Acquire(ctx, "k", time.Minute))

	policy := storage.Policy{Name: "p", Interval: 60, EvalPosition: 1}
	measurements := map[string]storage.Measurement{"x": testMeasurement("x")}
	docs := []storage.DataDocument{
		{ID: primitive.NewObjectID(), Identifier: "x", UpdatedStart: 90, UpdatedEnd: 125},
	}

	builder := NewWorkBuilder(store, pub, locks, 50)
	_, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, docs, measurements)
	require.Error(t, err)
	assert.Empty(t, store.cleared)
	// The builder does not release on failure; the scheduler's error path does.
	assert.Equal(t, 1, locks.Held())
}

func TestEmit_NoDocumentsIsVacuousSuccess(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	pub := &mockPublisher{}
	locker := &mockLocker{}
	locks := locking.NewManager(locker)
	require.NoError(t, locks.Acquire(ctx, "k", time.Minute))

	policy := storage.Policy{Name: "p", Interval: 60, EvalPosition: 1}
	builder := NewWorkBuilder(store, pub, locks, 50)
	published, err := builder.Emit(ctx, "db", policy, testMetadata(), 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Empty(t, pub.published)
	assert.Empty(t, store.cleared)
	assert.Equal(t, 0, locks.Held())
	assert.Equal(t, []string{"k"}, locker.released)
}
