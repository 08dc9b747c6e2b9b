package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
	"github.com/runakor/tsds-aggregate/internal/locking"
	"github.com/runakor/tsds-aggregate/internal/publish"
)

// defaultChunkSize caps the meta entries per work-order message.
const defaultChunkSize = 50

// WorkOrder is one message for the downstream aggregation workers. It is
// published as a single-element JSON array.
type WorkOrder struct {
	Type         string      `json:"type"`
	IntervalFrom int64       `json:"interval_from"`
	IntervalTo   int64       `json:"interval_to"`
	Start        int64       `json:"start"`
	End          int64       `json:"end"`
	RequiredMeta []string    `json:"required_meta"`
	Values       []ValueSpec `json:"values"`
	Meta         []MetaEntry `json:"meta"`
}

// ValueSpec declares one value field with the policy's optional histogram
// parameters; absent parameters serialize as null.
type ValueSpec struct {
	Name         string   `json:"name"`
	HistRes      *float64 `json:"hist_res"`
	HistMinWidth *float64 `json:"hist_min_width"`
}

// MetaEntry carries one measurement: its per-value bounds and its required
// meta fields.
type MetaEntry struct {
	Values []MetaValue            `json:"values"`
	Fields map[string]interface{} `json:"fields"`
}

// MetaValue is the observed min/max of one value field.
type MetaValue struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// window is the floored/ceiled time span a group of dirty documents affects
// in the target interval.
type window struct {
	floor int64
	ceil  int64
}

// WorkBuilder groups dirty documents into work orders, publishes them in
// capped-size chunks, and finalizes the pass by clearing dirty flags and
// releasing the held locks.
type WorkBuilder struct {
	store     storage.Store
	publisher publish.Publisher
	locks     *locking.Manager
	chunkSize int
}

// NewWorkBuilder wires the builder. chunkSize <= 0 falls back to the default
// of 50 meta entries per message.
func NewWorkBuilder(store storage.Store, publisher publish.Publisher, locks *locking.Manager, chunkSize int) *WorkBuilder {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &WorkBuilder{store: store, publisher: publisher, locks: locks, chunkSize: chunkSize}
}

// Emit publishes the work orders for one (policy, source interval) bucket and
// returns the number of messages published. On success the dirty flags of all
// included documents are cleared and the held locks released. On failure the
// flags stay set and the caller releases the locks; the next pass retries.
//
// Zero documents is a vacuous success: nothing is published, no flags are
// cleared, locks are released.
func (b *WorkBuilder) Emit(
	ctx context.Context,
	db string,
	policy storage.Policy,
	md storage.Metadata,
	intervalFrom int64,
	docs []storage.DataDocument,
	measurements map[string]storage.Measurement,
) (int, error) {
	if len(docs) == 0 {
		b.locks.ReleaseAll(ctx)
		return 0, nil
	}

	groups := make(map[window][]storage.DataDocument)
	for _, doc := range docs {
		w := window{
			floor: floorTo(doc.UpdatedStart, policy.Interval),
			ceil:  ceilTo(doc.UpdatedEnd, policy.Interval),
		}
		groups[w] = append(groups[w], doc)
	}

	windows := make([]window, 0, len(groups))
	for w := range groups {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].floor != windows[j].floor {
			return windows[i].floor < windows[j].floor
		}
		return windows[i].ceil < windows[j].ceil
	})

	published := 0
	for _, w := range windows {
		n, err := b.emitGroup(ctx, db, policy, md, intervalFrom, w, groups[w], measurements)
		if err != nil {
			return published, err
		}
		published += n
	}

	ids := make([]primitive.ObjectID, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	if err := b.store.ClearDirty(ctx, db, intervalFrom, ids); err != nil {
		return published, err
	}
	b.locks.ReleaseAll(ctx)

	slog.Info("[WorkBuilder] Bucket published",
		"db", db,
		"policy", policy.Name,
		"interval_from", intervalFrom,
		"interval_to", policy.Interval,
		"documents", len(docs),
		"messages", published,
	)
	return published, nil
}

// emitGroup publishes one (floor, ceil) group, chunking the meta entries.
// The envelope is identical across all chunks of the group.
func (b *WorkBuilder) emitGroup(
	ctx context.Context,
	db string,
	policy storage.Policy,
	md storage.Metadata,
	intervalFrom int64,
	w window,
	docs []storage.DataDocument,
	measurements map[string]storage.Measurement,
) (int, error) {
	values := make([]ValueSpec, 0, len(md.ValueFields))
	for _, name := range md.ValueFields {
		spec := ValueSpec{Name: name}
		if params, ok := policy.Values[name]; ok {
			spec.HistRes = params.HistRes
			spec.HistMinWidth = params.HistMinWidth
		}
		values = append(values, spec)
	}

	envelope := WorkOrder{
		Type:         db,
		IntervalFrom: intervalFrom,
		IntervalTo:   policy.Interval,
		Start:        w.floor,
		End:          w.ceil,
		RequiredMeta: md.RequiredMeta,
		Values:       values,
	}

	published := 0
	flush := func(meta []MetaEntry) error {
		order := envelope
		order.Meta = meta
		payload, err := json.Marshal([]WorkOrder{order})
		if err != nil {
			return fmt.Errorf("marshal work order: %w", err)
		}
		if err := b.publisher.Publish(ctx, payload); err != nil {
			return err
		}
		published++
		return nil
	}

	seen := make(map[string]bool, len(docs))
	meta := make([]MetaEntry, 0, b.chunkSize)
	for _, doc := range docs {
		if seen[doc.Identifier] {
			continue
		}
		seen[doc.Identifier] = true
		m, ok := measurements[doc.Identifier]
		if !ok {
			continue
		}
		meta = append(meta, metaEntryFor(m, md.ValueFields))
		if len(meta) == b.chunkSize {
			if err := flush(meta); err != nil {
				return published, err
			}
			meta = make([]MetaEntry, 0, b.chunkSize)
		}
	}
	if len(meta) > 0 {
		if err := flush(meta); err != nil {
			return published, err
		}
	}
	return published, nil
}

func metaEntryFor(m storage.Measurement, valueFields []string) MetaEntry {
	entry := MetaEntry{Fields: m.Fields}
	for _, name := range valueFields {
		if v, ok := m.Values[name]; ok {
			entry.Values = append(entry.Values, MetaValue{Name: name, Min: v.Min, Max: v.Max})
		}
	}
	return entry
}

// floorTo rounds down to the interval boundary.
func floorTo(t, interval int64) int64 {
	r := t % interval
	if r < 0 {
		r += interval
	}
	return t - r
}

// ceilTo rounds up to the interval boundary.
func ceilTo(t, interval int64) int64 {
	f := floorTo(t, interval)
	if f == t {
		return t
	}
	return f + interval
}
