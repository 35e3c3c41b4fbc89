package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tiercache/internal/common/logging"
	"tiercache/internal/redis"
)

// SyncOp is a pending replication operation type
type SyncOp string

const (
	// SyncOpSet replicates a write to the shared layer
	SyncOpSet SyncOp = "set"
	// SyncOpDelete replicates a delete to the shared layer
	SyncOpDelete SyncOp = "delete"
)

// SyncEntry is one pending operation destined for the shared layer
type SyncEntry struct {
	Key        string
	Item       *Item // nil for deletes
	Op         SyncOp
	EnqueuedAt time.Time
}

// SyncQueue is a bounded, concurrency-safe buffer of pending replication
// operations. On overflow the oldest entry is dropped and counted; under
// sustained write pressure the stalest pending operation is the one lost.
type SyncQueue struct {
	mu       sync.Mutex
	entries  []*SyncEntry
	capacity int
	dropped  uint64
}

// NewSyncQueue creates a queue bounded to capacity entries
func NewSyncQueue(capacity int) *SyncQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &SyncQueue{
		entries:  make([]*SyncEntry, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends an operation, dropping the oldest pending entry when the
// queue is full. Returns false when an entry was dropped to make room.
func (q *SyncQueue) Enqueue(entry *SyncEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ok := true
	if len(q.entries) >= q.capacity {
		copy(q.entries, q.entries[1:])
		q.entries = q.entries[:len(q.entries)-1]
		atomic.AddUint64(&q.dropped, 1)
		ok = false
	}
	q.entries = append(q.entries, entry)
	return ok
}

// Dequeue removes and returns up to max entries, oldest first
func (q *SyncQueue) Dequeue(max int) []*SyncEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	n := max
	if n > len(q.entries) {
		n = len(q.entries)
	}

	batch := make([]*SyncEntry, n)
	copy(batch, q.entries[:n])
	remaining := copy(q.entries, q.entries[n:])
	q.entries = q.entries[:remaining]
	return batch
}

// Len returns the number of pending entries
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the total number of entries lost to overflow
func (q *SyncQueue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Discard empties the queue, returning the number of entries removed
func (q *SyncQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	q.entries = q.entries[:0]
	return n
}

// Synchronizer drains the sync queue to the shared layer on a fixed
// schedule. A failed entry is logged and dropped, never re-enqueued:
// replication is at-most-once.
type Synchronizer struct {
	queue     *SyncQueue
	l2        *redis.Client
	batchSize int
	interval  time.Duration
	logger    logging.Logger
	metrics   *Metrics
	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSynchronizer wires a queue to the shared layer
func NewSynchronizer(queue *SyncQueue, l2 *redis.Client, interval time.Duration, batchSize int, logger logging.Logger, metrics *Metrics) *Synchronizer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Synchronizer{
		queue:     queue,
		l2:        l2,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
	}
}

// Start begins the periodic drain
func (s *Synchronizer) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.cron = cron.New()
		_, err = s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
			s.Drain(context.Background())
		})
		if err != nil {
			err = fmt.Errorf("failed to schedule synchronizer: %w", err)
			return
		}
		s.cron.Start()
		s.logger.Info("Background synchronizer started",
			logging.Duration("interval", s.interval),
			logging.Int("batch_size", s.batchSize),
		)
	})
	return err
}

// Stop halts the periodic drain. Pending entries remain queued.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			s.cron.Stop()
		}
	})
}

// Drain applies up to one batch of pending operations to the shared layer.
// Returns the number of operations applied successfully.
func (s *Synchronizer) Drain(ctx context.Context) int {
	batch := s.queue.Dequeue(s.batchSize)
	if len(batch) == 0 {
		return 0
	}

	applied := 0
	now := time.Now()
	for _, entry := range batch {
		if err := s.apply(ctx, entry, now); err != nil {
			s.logger.Warn("Sync operation failed",
				logging.String("op", string(entry.Op)),
				logging.String("key", entry.Key),
				logging.Err(err),
			)
			continue
		}
		applied++
	}

	if s.metrics != nil {
		s.metrics.SyncApplied(applied)
	}
	s.logger.Debug("Sync queue drained",
		logging.Int("batch", len(batch)),
		logging.Int("applied", applied),
	)
	return applied
}

// apply replicates a single operation
func (s *Synchronizer) apply(ctx context.Context, entry *SyncEntry, now time.Time) error {
	switch entry.Op {
	case SyncOpSet:
		if entry.Item == nil {
			return fmt.Errorf("set entry without item")
		}
		remaining := entry.Item.RemainingTTL(now)
		if remaining <= 0 {
			// Expired while waiting in the queue; nothing to replicate
			return nil
		}
		envelope, err := entry.Item.MarshalEnvelope()
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		return s.l2.SetBytes(ctx, entry.Key, envelope, remaining)
	case SyncOpDelete:
		_, err := s.l2.Delete(ctx, entry.Key)
		return err
	default:
		return fmt.Errorf("unknown sync op %q", entry.Op)
	}
}
