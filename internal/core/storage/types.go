package storage

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Policy is one aggregation policy of a database. Policies are read-only for
// the scheduler except for the last_run marker.
type Policy struct {
	Name         string                 `bson:"name"`
	Interval     int64                  `bson:"interval"`
	EvalPosition int64                  `bson:"eval_position"`
	Meta         bson.M                 `bson:"meta"`
	Values       map[string]ValueParams `bson:"values"`
	LastRun      int64                  `bson:"last_run"`
}

// ValueParams carries the optional histogram parameters a policy declares for
// one value field. Nil means "not set" and serializes as JSON null downstream.
type ValueParams struct {
	HistRes      *float64 `bson:"hist_res" json:"hist_res"`
	HistMinWidth *float64 `bson:"hist_min_width" json:"hist_min_width"`
}

// Metadata is the derived per-database field catalog. Both lists keep the
// order of the metadata document; both must be non-empty for scheduling.
type Metadata struct {
	RequiredMeta []string
	ValueFields  []string
}

// MeasurementValue is the observed min/max of one value field over the most
// recent instance of a measurement.
type MeasurementValue struct {
	Min float64 `bson:"min" json:"min"`
	Max float64 `bson:"max" json:"max"`
}

// Measurement is the latest instance (greatest start) of one time series,
// reduced to the fields the work orders need.
type Measurement struct {
	Identifier string
	Start      int64
	Fields     map[string]interface{}
	Values     map[string]MeasurementValue
}

// DataDocument is one (measurement, interval, time-window) bucket as the
// writer left it. The scheduler reads it, locks it, and clears the dirty
// fields; it never writes data.
type DataDocument struct {
	ID           primitive.ObjectID `bson:"_id"`
	Identifier   string             `bson:"identifier"`
	Start        int64              `bson:"start"`
	End          int64              `bson:"end"`
	Updated      int64              `bson:"updated"`
	UpdatedStart int64              `bson:"updated_start"`
	UpdatedEnd   int64              `bson:"updated_end"`
}

// CollectionFor maps an interval to its data collection. Interval 1 is the
// raw high-resolution collection. The rule is a boundary contract shared with
// the writer process.
func CollectionFor(interval int64) string {
	if interval == 1 {
		return "data"
	}
	return fmt.Sprintf("data_%d", interval)
}
