package scheduler

import "github.com/runakor/tsds-aggregate/internal/core/storage"

// measurementKey addresses the measurement snapshot of one policy run.
type measurementKey struct {
	db     string
	policy string
}

// MetadataCache keeps, per database, the latest derived field lists and, per
// (database, policy), the measurement map of the most recent fetch. Entries
// are overwritten when their owning step re-runs; nothing is evicted. The
// cache is process-local to one scheduler instance and must not be shared
// across processes.
type MetadataCache struct {
	metadata     map[string]storage.Metadata
	measurements map[measurementKey]map[string]storage.Measurement
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{
		metadata:     make(map[string]storage.Metadata),
		measurements: make(map[measurementKey]map[string]storage.Measurement),
	}
}

// SetMetadata stores the derived field lists of a database.
func (c *MetadataCache) SetMetadata(db string, md storage.Metadata) {
	c.metadata[db] = md
}

// Metadata returns the cached field lists of a database.
func (c *MetadataCache) Metadata(db string) (storage.Metadata, bool) {
	md, ok := c.metadata[db]
	return md, ok
}

// SetMeasurements stores the measurement snapshot of one policy run.
func (c *MetadataCache) SetMeasurements(db, policy string, m map[string]storage.Measurement) {
	c.measurements[measurementKey{db: db, policy: policy}] = m
}

// Measurements returns the measurement snapshot of a prior policy run, or nil
// if that policy has not fetched yet.
func (c *MetadataCache) Measurements(db, policy string) map[string]storage.Measurement {
	return c.measurements[measurementKey{db: db, policy: policy}]
}
