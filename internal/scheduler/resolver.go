package scheduler

import (
	"sort"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
)

// rawInterval is the source interval of measurements no prior policy covered.
const rawInterval int64 = 1

// Buckets maps a source interval to the measurements drawing from it.
type Buckets map[int64]map[string]storage.Measurement

// ResolveSources decides, per measurement, which prior policy supplies the
// source interval, and drops measurements a heavier-weighted policy of the
// same interval already covered in this pass.
//
// Candidates are the other policies with interval <= current, walked from the
// widest interval and the highest eval position down. The first candidate
// whose cached measurement snapshot contains the identifier wins: that is the
// coarsest aggregation already available at or below the current interval, so
// recomputation starts from it instead of from raw data.
func ResolveSources(
	db string,
	current storage.Policy,
	policies []storage.Policy,
	measurements map[string]storage.Measurement,
	cache *MetadataCache,
) Buckets {
	candidates := make([]storage.Policy, 0, len(policies))
	for _, p := range policies {
		if p.Name == current.Name {
			continue
		}
		if p.Interval > current.Interval {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Interval != candidates[j].Interval {
			return candidates[i].Interval > candidates[j].Interval
		}
		return candidates[i].EvalPosition > candidates[j].EvalPosition
	})

	buckets := make(Buckets)
	for identifier, m := range measurements {
		source := rawInterval
		covered := false
		for _, candidate := range candidates {
			prior := cache.Measurements(db, candidate.Name)
			if _, ok := prior[identifier]; !ok {
				continue
			}
			if candidate.Interval == current.Interval {
				// A heavier-weighted policy at the same interval already
				// aggregated this measurement in the current pass.
				covered = true
				break
			}
			source = candidate.Interval
			break
		}
		if covered {
			continue
		}
		bucket, ok := buckets[source]
		if !ok {
			bucket = make(map[string]storage.Measurement)
			buckets[source] = bucket
		}
		bucket[identifier] = m
	}
	return buckets
}
