// Package scheduler decides when aggregation is due and on what. It emits
// work orders for the downstream workers; it never computes aggregates
// itself, and all persistent state lives in the document store.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/runakor/tsds-aggregate/internal/core/storage"
	"github.com/runakor/tsds-aggregate/internal/locking"
	"github.com/runakor/tsds-aggregate/internal/publish"
)

const defaultIdleSleep = 60 * time.Second

// Options control the loop. Zero numeric values fall back to the defaults
// the writer deployment expects.
type Options struct {
	// IdleSleep is slept when no policy exists or no wake time was computed.
	IdleSleep time.Duration
	// LockTTL bounds how long a document lock outlives a crashed pass.
	LockTTL time.Duration
	// ChunkSize caps meta entries per work-order message.
	ChunkSize int
	// AdvanceOnEmpty advances last_run even when a pass published nothing.
	// This is sound as long as writers strictly advance updated timestamps.
	AdvanceOnEmpty bool
}

func (o Options) normalized() Options {
	n := o
	if n.IdleSleep <= 0 {
		n.IdleSleep = defaultIdleSleep
	}
	if n.LockTTL <= 0 {
		n.LockTTL = 60 * time.Second
	}
	if n.ChunkSize <= 0 {
		n.ChunkSize = defaultChunkSize
	}
	return n
}

// Scheduler drives the per-database policy evaluation loop. It is a single
// cooperating thread of control; parallelism lives in the worker pool
// consuming the queue, not here.
type Scheduler struct {
	store storage.Store
	locks *locking.Manager
	cache *MetadataCache
	dirty *DirtyFetcher
	work  *WorkBuilder
	opts  Options

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New wires a scheduler over the store, the publisher and the lock service.
func New(store storage.Store, publisher publish.Publisher, locker locking.Locker, opts Options) *Scheduler {
	opts = opts.normalized()
	locks := locking.NewManager(locker)
	return &Scheduler{
		store: store,
		locks: locks,
		cache: NewMetadataCache(),
		dirty: NewDirtyFetcher(store, locks, opts.LockTTL),
		work:  NewWorkBuilder(store, publisher, locks, opts.ChunkSize),
		opts:  opts,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Run evaluates policies until the context is cancelled. Every error short of
// a cancelled context is recovered locally: the loop always advances to the
// next database or the next sleep.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("[Scheduler] Starting policy evaluation loop",
		"idle_sleep", s.opts.IdleSleep,
		"lock_ttl", s.opts.LockTTL,
		"chunk_size", s.opts.ChunkSize,
		"advance_on_empty", s.opts.AdvanceOnEmpty,
	)
	for {
		if ctx.Err() != nil {
			slog.Info("[Scheduler] Stopping (context cancelled)")
			return nil
		}
		wait := s.runOnce(ctx)
		s.sleep(ctx, wait)
	}
}

// runOnce performs one full pass over all databases and returns how long to
// sleep until the earliest next_run.
func (s *Scheduler) runOnce(ctx context.Context) time.Duration {
	now := s.now().Unix()

	dbs, err := s.store.ListDatabases(ctx)
	if err != nil {
		slog.Warn("[Scheduler] Failed to list databases", "error", err)
		return s.opts.IdleSleep
	}

	type dbPolicies struct {
		db       string
		policies []storage.Policy
	}
	var work []dbPolicies
	for _, db := range dbs {
		policies, err := s.store.ListPolicies(ctx, db)
		if err != nil {
			slog.Warn("[Scheduler] Failed to list policies", "db", db, "error", err)
			continue
		}
		if len(policies) == 0 {
			continue
		}
		work = append(work, dbPolicies{db: db, policies: policies})
	}
	if len(work) == 0 {
		slog.Info("[Scheduler] No aggregate policies found, sleeping", "sleep", s.opts.IdleSleep)
		return s.opts.IdleSleep
	}

	var nextWake int64
	haveWake := false
	for _, w := range work {
		lowest, err := s.evaluateDatabase(ctx, w.db, w.policies, now)
		if err != nil {
			slog.Warn("[Scheduler] Skipping database", "db", w.db, "error", err)
			continue
		}
		if !haveWake || lowest < nextWake {
			nextWake = lowest
			haveWake = true
		}
	}

	// An error path may have left locks held; the builder releases on
	// success, so anything remaining here is residue.
	s.locks.ReleaseAll(ctx)

	if !haveWake {
		return s.opts.IdleSleep
	}
	delay := time.Duration(nextWake-s.now().Unix()) * time.Second
	if delay < 0 {
		delay = 0
	}
	return delay
}

// evaluateDatabase evaluates all policies of one database in (interval asc,
// eval_position desc) order and returns the lowest next_run. A policy failure
// releases its locks and moves on to the next policy.
func (s *Scheduler) evaluateDatabase(ctx context.Context, db string, policies []storage.Policy, now int64) (int64, error) {
	md, err := s.store.FetchMetadata(ctx, db)
	if err != nil {
		return 0, err
	}
	s.cache.SetMetadata(db, md)

	ordered := orderPolicies(policies)

	var lowest int64
	haveLowest := false
	for _, p := range ordered {
		next, err := s.evaluatePolicy(ctx, db, md, p, ordered, now)
		if err != nil {
			slog.Warn("[Scheduler] Policy pass failed",
				"db", db, "policy", p.Name, "error", err)
			s.locks.ReleaseAll(ctx)
			next = p.LastRun + p.Interval
		}
		if !haveLowest || next < lowest {
			lowest = next
			haveLowest = true
		}
	}
	return lowest, nil
}

// evaluatePolicy runs one policy if it is due and returns its next_run.
func (s *Scheduler) evaluatePolicy(
	ctx context.Context,
	db string,
	md storage.Metadata,
	p storage.Policy,
	policies []storage.Policy,
	now int64,
) (int64, error) {
	if p.LastRun+p.Interval > now {
		return p.LastRun + p.Interval, nil
	}

	measurements, err := s.store.FetchMeasurements(ctx, db, p.Meta, md.RequiredMeta)
	if err != nil {
		return 0, err
	}

	buckets := ResolveSources(db, p, policies, measurements, s.cache)
	s.cache.SetMeasurements(db, p.Name, measurements)

	published := 0
	for _, source := range sortedIntervals(buckets) {
		docs, err := s.dirty.Fetch(ctx, db, source, p.LastRun, buckets[source])
		if err != nil {
			return 0, err
		}
		n, err := s.work.Emit(ctx, db, p, md, source, docs, buckets[source])
		if err != nil {
			return 0, err
		}
		published += n
	}

	// last_run stays aligned to bucket boundaries so restart times are
	// predictable.
	floored := now - now%p.Interval
	if published > 0 || s.opts.AdvanceOnEmpty {
		if err := s.store.SetLastRun(ctx, db, p.Name, floored); err != nil {
			slog.Warn("[Scheduler] Failed to persist last_run, advancing in memory",
				"db", db, "policy", p.Name, "error", err)
		}
		return floored + p.Interval, nil
	}
	// Nothing published and advance-on-empty disabled: leave the persisted
	// marker alone but wake at the next bucket boundary, not immediately.
	return floored + p.Interval, nil
}

// orderPolicies sorts ascending by interval, then descending by eval
// position. This is both the evaluation order and the same-interval
// tie-break order the resolver relies on.
func orderPolicies(policies []storage.Policy) []storage.Policy {
	ordered := make([]storage.Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Interval != ordered[j].Interval {
			return ordered[i].Interval < ordered[j].Interval
		}
		return ordered[i].EvalPosition > ordered[j].EvalPosition
	})
	return ordered
}

func sortedIntervals(b Buckets) []int64 {
	intervals := make([]int64, 0, len(b))
	for interval := range b {
		intervals = append(intervals, interval)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	return intervals
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
