package orm

import (
	"sync/atomic"
	"time"
)

// Statistics tracks unit-of-work activity across all sessions of a factory.
type Statistics struct {
	// Entity counters
	entityInserts atomic.Uint64
	entityUpdates atomic.Uint64
	entityDeletes atomic.Uint64
	entityLoads   atomic.Uint64

	// Collection counters
	collectionUpdates atomic.Uint64
	collectionLoads   atomic.Uint64

	// Flush and transaction counters
	flushes            atomic.Uint64
	totalFlushLatency  atomic.Uint64
	commits            atomic.Uint64
	rollbacks          atomic.Uint64
	optimisticFailures atomic.Uint64

	// Statement counters
	statements atomic.Uint64
	batches    atomic.Uint64

	sessionsOpened atomic.Uint64
	sessionsClosed atomic.Uint64
}

// NewStatistics creates a new statistics instance
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) recordInsert()            { s.entityInserts.Add(1) }
func (s *Statistics) recordUpdate()            { s.entityUpdates.Add(1) }
func (s *Statistics) recordDelete()            { s.entityDeletes.Add(1) }
func (s *Statistics) recordLoad()              { s.entityLoads.Add(1) }
func (s *Statistics) recordCollectionUpdate()  { s.collectionUpdates.Add(1) }
func (s *Statistics) recordCollectionLoad()    { s.collectionLoads.Add(1) }
func (s *Statistics) recordCommit()            { s.commits.Add(1) }
func (s *Statistics) recordRollback()          { s.rollbacks.Add(1) }
func (s *Statistics) recordOptimisticFailure() { s.optimisticFailures.Add(1) }
func (s *Statistics) recordSessionOpened()     { s.sessionsOpened.Add(1) }
func (s *Statistics) recordSessionClosed()     { s.sessionsClosed.Add(1) }

// recordFlush records a flush with its latency
func (s *Statistics) recordFlush(duration time.Duration) {
	s.flushes.Add(1)
	s.totalFlushLatency.Add(uint64(duration.Nanoseconds()))
}

// recordStatements records statements sent in one round trip
func (s *Statistics) recordStatements(n int) {
	s.statements.Add(uint64(n))
	if n > 1 {
		s.batches.Add(1)
	}
}

// Snapshot returns a snapshot of current statistics
func (s *Statistics) Snapshot() StatisticsSnapshot {
	flushes := s.flushes.Load()
	var avgFlush time.Duration
	if flushes > 0 {
		avgFlush = time.Duration(s.totalFlushLatency.Load() / flushes)
	}
	return StatisticsSnapshot{
		EntityInserts:      s.entityInserts.Load(),
		EntityUpdates:      s.entityUpdates.Load(),
		EntityDeletes:      s.entityDeletes.Load(),
		EntityLoads:        s.entityLoads.Load(),
		CollectionUpdates:  s.collectionUpdates.Load(),
		CollectionLoads:    s.collectionLoads.Load(),
		Flushes:            flushes,
		AvgFlushLatency:    avgFlush,
		Commits:            s.commits.Load(),
		Rollbacks:          s.rollbacks.Load(),
		OptimisticFailures: s.optimisticFailures.Load(),
		Statements:         s.statements.Load(),
		Batches:            s.batches.Load(),
		SessionsOpened:     s.sessionsOpened.Load(),
		SessionsClosed:     s.sessionsClosed.Load(),
	}
}

// Reset resets all counters
func (s *Statistics) Reset() {
	for _, c := range []*atomic.Uint64{
		&s.entityInserts, &s.entityUpdates, &s.entityDeletes, &s.entityLoads,
		&s.collectionUpdates, &s.collectionLoads, &s.flushes, &s.totalFlushLatency,
		&s.commits, &s.rollbacks, &s.optimisticFailures, &s.statements, &s.batches,
		&s.sessionsOpened, &s.sessionsClosed,
	} {
		c.Store(0)
	}
}

// StatisticsSnapshot represents a point-in-time snapshot of statistics
type StatisticsSnapshot struct {
	// Entity counts
	EntityInserts uint64
	EntityUpdates uint64
	EntityDeletes uint64
	EntityLoads   uint64

	// Collection counts
	CollectionUpdates uint64
	CollectionLoads   uint64

	// Flush and transaction counts
	Flushes            uint64
	AvgFlushLatency    time.Duration
	Commits            uint64
	Rollbacks          uint64
	OptimisticFailures uint64

	// Statement counts
	Statements uint64
	Batches    uint64

	SessionsOpened uint64
	SessionsClosed uint64
}
