package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
	"tiercache/internal/redis"
	"tiercache/internal/s3cache"
)

// Options configures an Engine. Zero values fall back to defaults in New.
type Options struct {
	L1Capacity           int
	CompressionThreshold int
	DefaultTTL           time.Duration
	TagTTL               time.Duration
	SyncEnabled          bool
	SyncInterval         time.Duration
	SyncBatchSize        int
	SyncQueueCapacity    int
	WarmupConcurrency    int
	Logger               logging.Logger

	// Registerer receives the engine's Prometheus collectors. Leave nil to
	// run without metrics export.
	Registerer prometheus.Registerer
}

// SetOptions controls a single write
type SetOptions struct {
	// TTL is the logical time-to-live. Zero means the engine default;
	// negative is rejected.
	TTL time.Duration

	// Tags are invalidation labels for bulk deletes
	Tags []string

	// Priority is a placement hint, higher prefers faster layers
	Priority int

	// ForceLayer pins the write to exactly one layer, bypassing placement
	ForceLayer Layer
}

// Engine orchestrates the three cache layers. All dependencies are injected
// through New; the engine holds no process-global state, so multiple
// engines can coexist in one process against different backends.
type Engine struct {
	opts    Options
	codec   *Codec
	l1      *L1Store
	l2      *redis.Client
	l3      *s3cache.Client
	tags    *TagIndex
	queue   *SyncQueue
	syncer  *Synchronizer
	stats   *statsCollector
	metrics *Metrics
	events  *broadcaster

	listener   *invalidationListener
	instanceID string
	logger     logging.Logger

	closeOnce sync.Once
}

// New creates an engine over the given shared layer. l3 may be nil when no
// far layer is configured. Call Start to begin background replication and
// cross-instance invalidation, and Close when done.
func New(opts Options, l2 *redis.Client, l3 *s3cache.Client) (*Engine, error) {
	if l2 == nil {
		return nil, errors.ValidationError("shared layer client is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.L1Capacity <= 0 {
		opts.L1Capacity = 1000
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = 1024
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Second
	}
	if opts.SyncBatchSize <= 0 {
		opts.SyncBatchSize = 100
	}
	if opts.SyncQueueCapacity <= 0 {
		opts.SyncQueueCapacity = 1000
	}
	if opts.WarmupConcurrency <= 0 {
		opts.WarmupConcurrency = 8
	}

	codec, err := NewCodec(opts.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		codec:      codec,
		l2:         l2,
		l3:         l3,
		tags:       NewTagIndex(opts.TagTTL),
		queue:      NewSyncQueue(opts.SyncQueueCapacity),
		stats:      newStatsCollector(),
		events:     &broadcaster{},
		instanceID: uuid.NewString(),
		logger:     opts.Logger,
	}

	e.l1 = NewL1Store(opts.L1Capacity, func(key string, item *Item) {
		e.stats.recordEviction(LayerL1)
		e.metrics.Eviction(LayerL1)
		e.events.publish(Event{Op: EventEvict, Key: key, Origin: e.instanceID, At: time.Now()})
	})

	if opts.Registerer != nil {
		e.metrics = NewMetrics(opts.Registerer, e.l1.Utilization, func() float64 {
			return float64(e.queue.Len())
		})
	}

	e.syncer = NewSynchronizer(e.queue, l2, opts.SyncInterval, opts.SyncBatchSize, opts.Logger, e.metrics)
	e.listener = newInvalidationListener(l2, e.instanceID, e.applyRemote, opts.Logger)

	return e, nil
}

// Start launches the background synchronizer and the cross-instance
// invalidation listener
func (e *Engine) Start() error {
	if e.opts.SyncEnabled {
		if err := e.syncer.Start(); err != nil {
			return err
		}
	}
	e.listener.start()
	e.logger.Info("Cache engine started",
		logging.String("instance", e.instanceID),
		logging.Int("l1_capacity", e.opts.L1Capacity),
		logging.Bool("sync_enabled", e.opts.SyncEnabled),
		logging.Bool("far_layer", e.l3.Enabled()),
	)
	return nil
}

// Close stops background work, flushes pending replication, and closes
// event subscriptions
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.listener.stop()
		e.syncer.Stop()
		if e.opts.SyncEnabled {
			e.FlushSync(context.Background())
		}
		e.events.close()
	})
	return nil
}

// Subscribe returns a channel of cache mutation events. Delivery is
// best-effort; a slow consumer loses events rather than stalling the
// engine. The channel closes when the engine closes.
func (e *Engine) Subscribe() <-chan Event {
	return e.events.subscribe()
}

// Get looks the key up layer by layer, decodes the payload into dest, and
// reports whether it was found. A copy found on a slow layer is promoted to
// faster layers in the background. Layer failures are treated as misses.
func (e *Engine) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if key == "" {
		return false, errors.ValidationError("cache key must not be empty")
	}

	// L1
	start := time.Now()
	if item, ok := e.l1.Get(key); ok {
		if err := e.codec.Decode(item, dest); err != nil {
			e.l1.Delete(key)
			e.logger.Warn("Purged undecodable L1 entry", logging.String("key", key), logging.Err(err))
		} else {
			e.recordHit(LayerL1, start)
			return true, nil
		}
	}
	e.recordMiss(LayerL1, start)

	// L2
	start = time.Now()
	if item := e.readL2(ctx, key); item != nil {
		if err := e.codec.Decode(item, dest); err != nil {
			e.purgeL2(ctx, key)
			e.logger.Warn("Purged undecodable L2 entry", logging.String("key", key), logging.Err(err))
		} else {
			e.recordHit(LayerL2, start)
			e.promote(ctx, key, item, LayerL2)
			return true, nil
		}
	}
	e.recordMiss(LayerL2, start)

	// L3
	if e.l3.Enabled() {
		start = time.Now()
		if item := e.readL3(ctx, key); item != nil {
			if err := e.codec.Decode(item, dest); err != nil {
				e.purgeL3(ctx, key)
				e.logger.Warn("Purged undecodable L3 entry", logging.String("key", key), logging.Err(err))
			} else {
				e.recordHit(LayerL3, start)
				e.promote(ctx, key, item, LayerL3)
				return true, nil
			}
		}
		e.recordMiss(LayerL3, start)
	}

	return false, nil
}

// Set serializes the value and writes it to the layers chosen by the
// placement policy. It returns an error for invalid input, for values that
// cannot be serialized, or when every targeted synchronous layer write
// failed; background replication failures are never surfaced.
func (e *Engine) Set(ctx context.Context, key string, value interface{}, options *SetOptions) error {
	if key == "" {
		return errors.ValidationError("cache key must not be empty")
	}
	if options == nil {
		options = &SetOptions{}
	}
	ttl := options.TTL
	if ttl == 0 {
		ttl = e.opts.DefaultTTL
	}
	if ttl < 0 {
		return errors.ValidationError("ttl must be positive")
	}
	if options.ForceLayer != "" && !options.ForceLayer.Valid() {
		return errors.ValidationError("unknown layer " + string(options.ForceLayer))
	}
	if options.ForceLayer == LayerL3 && !e.l3.Enabled() {
		return errors.ValidationError("far layer is not configured")
	}

	data, compressed, err := e.codec.Encode(value)
	if err != nil {
		return errors.SerializationError("failed to encode cache value", err)
	}

	now := time.Now()
	item := &Item{
		Data: data,
		Metadata: Metadata{
			Size:       len(data),
			Compressed: compressed,
			CreatedAt:  now,
			LastAccess: now,
			TTL:        ttl,
			Tags:       options.Tags,
			Priority:   options.Priority,
		},
	}

	placement := placeItem(len(data), options.Priority, options.ForceLayer, e.l1.Utilization())

	if placement.L1 {
		start := time.Now()
		l1Item := item.Clone()
		l1Item.Metadata.Layer = LayerL1
		e.l1.Set(key, l1Item)
		e.recordSet(LayerL1, start)
	}

	wrote := placement.L1
	if placement.L2 {
		start := time.Now()
		if err := e.writeL2(ctx, key, item, ttl); err != nil {
			e.stats.recordError(LayerL2)
			e.metrics.Operation(LayerL2, "set", "error", time.Since(start))
			e.logger.Warn("Shared layer write failed", logging.String("key", key), logging.Err(err))
			if !wrote && !placement.L3 {
				return errors.ConnectionError("cache write failed on every targeted layer", err)
			}
		} else {
			e.recordSet(LayerL2, start)
			wrote = true
		}
	}

	if placement.L3 {
		start := time.Now()
		if err := e.writeL3(ctx, key, item); err != nil {
			e.stats.recordError(LayerL3)
			e.metrics.Operation(LayerL3, "set", "error", time.Since(start))
			e.logger.Warn("Far layer write failed", logging.String("key", key), logging.Err(err))
			if !wrote {
				return errors.ConnectionError("cache write failed on every targeted layer", err)
			}
		} else {
			e.recordSet(LayerL3, start)
			wrote = true
		}
	}

	// L1-only placements still become visible to other instances through
	// the sync queue. A forced layer stays exclusive.
	if e.opts.SyncEnabled && !placement.L2 && options.ForceLayer == "" {
		l2Item := item.Clone()
		l2Item.Metadata.Layer = LayerL2
		if !e.queue.Enqueue(&SyncEntry{Key: key, Item: l2Item, Op: SyncOpSet, EnqueuedAt: now}) {
			e.metrics.SyncDropped()
			e.logger.Warn("Sync queue full, dropped oldest pending operation", logging.String("key", key))
		}
	}

	for _, tag := range options.Tags {
		e.tags.AddTag(tag, key)
		if err := e.l2.TagAdd(ctx, tag, key, e.tagTTL()); err != nil {
			e.logger.Warn("Tag mirror update failed", logging.String("tag", tag), logging.Err(err))
		}
	}

	e.events.publish(Event{Op: EventSet, Key: key, Origin: e.instanceID, At: now})
	return nil
}

// Delete removes the key from every layer: L1 synchronously, L2 through the
// sync queue (or synchronously when sync is disabled), L3 best-effort.
// Returns whether the key was present in L1.
func (e *Engine) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.ValidationError("cache key must not be empty")
	}

	found := e.l1.Delete(key)
	e.stats.recordDelete(LayerL1)

	if e.opts.SyncEnabled {
		if !e.queue.Enqueue(&SyncEntry{Key: key, Op: SyncOpDelete, EnqueuedAt: time.Now()}) {
			e.metrics.SyncDropped()
			e.logger.Warn("Sync queue full, dropped oldest pending operation", logging.String("key", key))
		}
	} else {
		if _, err := e.l2.Delete(ctx, key); err != nil {
			e.stats.recordError(LayerL2)
			e.logger.Warn("Shared layer delete failed", logging.String("key", key), logging.Err(err))
		} else {
			e.stats.recordDelete(LayerL2)
		}
	}

	if e.l3.Enabled() {
		if err := e.l3.DeleteObject(ctx, key); err != nil {
			e.stats.recordError(LayerL3)
			e.logger.Warn("Far layer delete failed", logging.String("key", key), logging.Err(err))
		} else {
			e.stats.recordDelete(LayerL3)
		}
	}

	e.detachTags(ctx, key)

	event := Event{Op: EventDelete, Key: key, Origin: e.instanceID, At: time.Now()}
	e.events.publish(event)
	e.broadcast(ctx, event)
	return found, nil
}

// DeleteByTag removes every key carrying the tag from all layers and
// returns the total number of entries removed. L1 is scanned in-process;
// L2 keys are resolved through the mirrored tag set unioned with the local
// index, falling back to a full prefix scan when the mirror is unreachable.
// An unreachable shared layer degrades to a partial count, never an error.
func (e *Engine) DeleteByTag(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, errors.ValidationError("tag must not be empty")
	}

	removed := 0

	// L1: collect matches first, then delete; ForEach holds the store lock
	var l1Matches []string
	e.l1.ForEach(func(key string, item *Item) bool {
		if item.HasTag(tag) {
			l1Matches = append(l1Matches, key)
		}
		return true
	})
	for _, key := range l1Matches {
		if e.l1.Delete(key) {
			removed++
			e.stats.recordDelete(LayerL1)
		}
	}

	keys, err := e.resolveTaggedKeys(ctx, tag)
	if err != nil {
		e.stats.recordError(LayerL2)
		e.logger.Warn("Tagged keys unresolvable on shared layer, removal is partial",
			logging.String("tag", tag), logging.Err(err))
		keys = nil
	}

	// The mirror write at Set time is best-effort, so a key may carry the
	// tag only in the local index; union the two views
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	for _, key := range e.tags.KeysForTag(tag) {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	for _, key := range keys {
		e.l1.Delete(key)
		deleted, err := e.l2.Delete(ctx, key)
		if err != nil {
			e.stats.recordError(LayerL2)
			e.logger.Warn("Shared layer delete failed", logging.String("key", key), logging.Err(err))
			continue
		}
		if deleted {
			removed++
			e.stats.recordDelete(LayerL2)
		}
		if e.l3.Enabled() {
			if err := e.l3.DeleteObject(ctx, key); err != nil {
				e.logger.Warn("Far layer delete failed", logging.String("key", key), logging.Err(err))
			}
		}
	}

	e.tags.RemoveTag(tag)
	if err := e.l2.TagDelete(ctx, tag); err != nil {
		e.logger.Warn("Tag mirror delete failed", logging.String("tag", tag), logging.Err(err))
	}

	event := Event{Op: EventDeleteTag, Tag: tag, Origin: e.instanceID, At: time.Now()}
	e.events.publish(event)
	e.broadcast(ctx, event)

	e.logger.Info("Tag invalidation complete",
		logging.String("tag", tag),
		logging.Int("removed", removed),
	)
	return removed, nil
}

// Clear wipes a single layer, or all layers and the tag index when layer is
// empty. Pending replication for wiped data is discarded.
func (e *Engine) Clear(ctx context.Context, layer Layer) error {
	if layer != "" && !layer.Valid() {
		return errors.ValidationError("unknown layer " + string(layer))
	}

	all := layer == ""
	if all || layer == LayerL1 {
		e.l1.Clear()
	}
	if all || layer == LayerL2 {
		e.queue.Discard()
		if err := e.l2.Clear(ctx); err != nil {
			return errors.ConnectionError("failed to clear shared layer", err)
		}
	}
	if (all || layer == LayerL3) && e.l3.Enabled() {
		if err := e.clearL3(ctx); err != nil {
			e.logger.Warn("Far layer clear incomplete", logging.Err(err))
		}
	}
	if all {
		e.tags.Clear()
		event := Event{Op: EventClear, Origin: e.instanceID, At: time.Now()}
		e.events.publish(event)
		e.broadcast(ctx, event)
	}
	return nil
}

// BatchResult is the outcome of one key in an MGet
type BatchResult struct {
	Key   string
	Found bool
	Value json.RawMessage
	Err   error
}

// MGet fetches many keys concurrently. Results are index-aligned with the
// input; one key's failure never affects the others.
func (e *Engine) MGet(ctx context.Context, keys []string) []BatchResult {
	results := make([]BatchResult, len(keys))

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			var raw json.RawMessage
			found, err := e.Get(ctx, key, &raw)
			results[i] = BatchResult{Key: key, Found: found, Value: raw, Err: err}
		}(i, key)
	}
	wg.Wait()
	return results
}

// MSetEntry is one write in an MSet batch
type MSetEntry struct {
	Key     string
	Value   interface{}
	Options *SetOptions
}

// MSet writes many entries concurrently. The returned slice is
// index-aligned with the input; one entry's failure never affects the
// others.
func (e *Engine) MSet(ctx context.Context, entries []MSetEntry) []error {
	errs := make([]error, len(entries))

	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry MSetEntry) {
			defer wg.Done()
			errs[i] = e.Set(ctx, entry.Key, entry.Value, entry.Options)
		}(i, entry)
	}
	wg.Wait()
	return errs
}

// FetchFunc loads a value from the source of truth on a cache miss
type FetchFunc func(ctx context.Context) (interface{}, error)

// GetOrSet returns the cached value for key, or fetches, caches, and
// returns it on a miss. The bool reports whether the value came from the
// cache. A failed cache write after a successful fetch is logged, not
// returned: the caller still gets the fetched value.
func (e *Engine) GetOrSet(ctx context.Context, key string, dest interface{}, fetch FetchFunc, options *SetOptions) (bool, error) {
	found, err := e.Get(ctx, key, dest)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return false, err
	}

	if err := e.Set(ctx, key, value, options); err != nil {
		e.logger.Warn("Cache population after fetch failed", logging.String("key", key), logging.Err(err))
	}

	if err := reencode(value, dest); err != nil {
		return false, errors.SerializationError("failed to decode fetched value", err)
	}
	return false, nil
}

// WarmupEntry is one key to pre-populate
type WarmupEntry struct {
	Key     string
	Fetch   FetchFunc
	Options *SetOptions
}

// Warmup pre-populates the cache from the given fetch functions with
// bounded concurrency. Individual failures are logged and skipped; the
// return value is the number of entries loaded.
func (e *Engine) Warmup(ctx context.Context, entries []WarmupEntry) int {
	sem := make(chan struct{}, e.opts.WarmupConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	loaded := 0

	for _, entry := range entries {
		wg.Add(1)
		go func(entry WarmupEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			value, err := entry.Fetch(ctx)
			if err != nil {
				e.logger.Warn("Warmup fetch failed", logging.String("key", entry.Key), logging.Err(err))
				return
			}
			if err := e.Set(ctx, entry.Key, value, entry.Options); err != nil {
				e.logger.Warn("Warmup write failed", logging.String("key", entry.Key), logging.Err(err))
				return
			}
			mu.Lock()
			loaded++
			mu.Unlock()
		}(entry)
	}
	wg.Wait()

	e.logger.Info("Cache warmup complete",
		logging.Int("requested", len(entries)),
		logging.Int("loaded", loaded),
	)
	return loaded
}

// FlushSync drains the sync queue completely, applying every pending
// operation to the shared layer. Returns the number applied.
func (e *Engine) FlushSync(ctx context.Context) int {
	applied := 0
	for e.queue.Len() > 0 {
		n := e.syncer.Drain(ctx)
		applied += n
		if n == 0 && e.queue.Len() > 0 {
			// Entire batch failed; give up rather than spin
			break
		}
	}
	return applied
}

// Stats returns a point-in-time snapshot of engine activity
func (e *Engine) Stats() Stats {
	stats := e.stats.snapshot()
	stats.SyncPending = e.queue.Len()
	stats.SyncDropped = e.queue.Dropped()
	stats.L1Entries = e.l1.Len()
	stats.L1Capacity = e.l1.Capacity()
	stats.L1Utilization = e.l1.Utilization()
	return stats
}

// HealthCheck probes layer connectivity and inspects the running counters.
// The result is advisory; a degraded cache keeps serving.
func (e *Engine) HealthCheck(ctx context.Context) HealthStatus {
	var issues []string

	if err := e.l2.Health(); err != nil {
		issues = append(issues, "shared layer unreachable: "+err.Error())
	}
	if e.l3.Enabled() {
		if err := e.l3.Health(ctx); err != nil {
			issues = append(issues, "far layer unreachable: "+err.Error())
		}
	}

	stats := e.stats.snapshot()
	if samples := stats.OverallHits + stats.OverallMisses; samples >= healthMinSamples && stats.HitRate < healthMinHitRate {
		issues = append(issues, "overall hit rate below 50%")
	}
	if e.l1.Utilization() > healthL1Utilization {
		issues = append(issues, "l1 utilization above 90%")
	}

	return HealthStatus{Healthy: len(issues) == 0, Issues: issues}
}

// readL2 fetches and validates the key's L2 copy, expiring stale envelopes.
// Errors are logged and treated as a miss.
func (e *Engine) readL2(ctx context.Context, key string) *Item {
	raw, found, err := e.l2.GetBytes(ctx, key)
	if err != nil {
		e.stats.recordError(LayerL2)
		e.logger.Warn("Shared layer read failed", logging.String("key", key), logging.Err(err))
		return nil
	}
	if !found {
		return nil
	}

	item, err := UnmarshalEnvelope(raw)
	if err != nil {
		e.purgeL2(ctx, key)
		e.logger.Warn("Purged corrupt L2 envelope", logging.String("key", key), logging.Err(err))
		return nil
	}
	// Logical expiry is checked against the envelope even though the
	// physical key carries its own TTL; the two can drift after promotion
	if item.Expired(time.Now()) {
		e.purgeL2(ctx, key)
		return nil
	}
	return item
}

// readL3 fetches and validates the key's far-layer copy. The far layer has
// no physical TTL, so the envelope check is the only expiry.
func (e *Engine) readL3(ctx context.Context, key string) *Item {
	raw, found, err := e.l3.GetObject(ctx, key)
	if err != nil {
		e.stats.recordError(LayerL3)
		e.logger.Warn("Far layer read failed", logging.String("key", key), logging.Err(err))
		return nil
	}
	if !found {
		return nil
	}

	item, err := UnmarshalEnvelope(raw)
	if err != nil {
		e.purgeL3(ctx, key)
		e.logger.Warn("Purged corrupt L3 envelope", logging.String("key", key), logging.Err(err))
		return nil
	}
	if item.Expired(time.Now()) {
		e.purgeL3(ctx, key)
		return nil
	}
	return item
}

// purgeL2 removes the key's L2 copy best-effort; failures are logged
func (e *Engine) purgeL2(ctx context.Context, key string) {
	if _, err := e.l2.Delete(ctx, key); err != nil {
		e.stats.recordError(LayerL2)
		e.logger.Warn("Shared layer purge failed", logging.String("key", key), logging.Err(err))
	}
}

// purgeL3 removes the key's far-layer copy best-effort; failures are logged
func (e *Engine) purgeL3(ctx context.Context, key string) {
	if err := e.l3.DeleteObject(ctx, key); err != nil {
		e.stats.recordError(LayerL3)
		e.logger.Warn("Far layer purge failed", logging.String("key", key), logging.Err(err))
	}
}

// writeL2 stores the envelope on the shared layer with the remaining
// logical TTL as the physical one
func (e *Engine) writeL2(ctx context.Context, key string, item *Item, ttl time.Duration) error {
	l2Item := item.Clone()
	l2Item.Metadata.Layer = LayerL2
	envelope, err := l2Item.MarshalEnvelope()
	if err != nil {
		return err
	}
	return e.l2.SetBytes(ctx, key, envelope, ttl)
}

// writeL3 stores the envelope on the far layer. Physical expiry is the
// bucket's concern; readers enforce the envelope TTL.
func (e *Engine) writeL3(ctx context.Context, key string, item *Item) error {
	l3Item := item.Clone()
	l3Item.Metadata.Layer = LayerL3
	envelope, err := l3Item.MarshalEnvelope()
	if err != nil {
		return err
	}
	return e.l3.PutObject(ctx, key, envelope)
}

// promote copies a slow-layer hit into faster layers in the background
func (e *Engine) promote(ctx context.Context, key string, item *Item, hit Layer) {
	placement := promoteOnHit(hit, item.Metadata.Size, e.l1.Utilization())
	if !placement.L1 && !placement.L2 {
		return
	}

	copied := item.Clone()
	go func() {
		if placement.L1 {
			l1Item := copied.Clone()
			l1Item.Metadata.Layer = LayerL1
			e.l1.Set(key, l1Item)
		}
		if placement.L2 {
			remaining := copied.RemainingTTL(time.Now())
			if remaining > 0 {
				if err := e.writeL2(context.Background(), key, copied, remaining); err != nil {
					e.logger.Warn("Promotion to shared layer failed", logging.String("key", key), logging.Err(err))
					return
				}
			}
		}
		e.stats.recordPromotion()
		e.metrics.Promotion()
	}()
}

// resolveTaggedKeys finds the L2 keys carrying a tag: the mirrored tag set
// when reachable, otherwise a full prefix scan inspecting each envelope
func (e *Engine) resolveTaggedKeys(ctx context.Context, tag string) ([]string, error) {
	members, err := e.l2.TagMembers(ctx, tag)
	if err == nil {
		return members, nil
	}
	e.logger.Warn("Tag mirror unreachable, falling back to scan", logging.String("tag", tag), logging.Err(err))

	keys, err := e.l2.ScanKeysByPrefix(ctx, "")
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, key := range keys {
		raw, found, err := e.l2.GetBytes(ctx, key)
		if err != nil || !found {
			continue
		}
		item, err := UnmarshalEnvelope(raw)
		if err != nil {
			continue
		}
		if item.HasTag(tag) {
			matches = append(matches, key)
		}
	}
	return matches, nil
}

// clearL3 deletes every far-layer object under the cache prefix
func (e *Engine) clearL3(ctx context.Context) error {
	keys, err := e.l3.ScanKeysByPrefix(ctx, "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.l3.DeleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// detachTags removes a key from the local index and the L2 mirror
func (e *Engine) detachTags(ctx context.Context, key string) {
	for _, tag := range e.tags.TagsForKey(key) {
		if err := e.l2.TagRemoveKey(ctx, tag, key); err != nil {
			e.logger.Warn("Tag mirror update failed", logging.String("tag", tag), logging.Err(err))
		}
	}
	e.tags.RemoveKey(key)
}

// broadcast publishes an invalidation to other engine instances
func (e *Engine) broadcast(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := e.l2.Publish(ctx, invalidationChannel, payload); err != nil {
		e.logger.Warn("Invalidation broadcast failed", logging.Err(err))
	}
}

// applyRemote drops local copies invalidated by another instance. Only L1
// needs touching; the originating instance already handled the shared
// layers.
func (e *Engine) applyRemote(event Event) {
	switch event.Op {
	case EventDelete:
		e.l1.Delete(event.Key)
		e.tags.RemoveKey(event.Key)
	case EventDeleteTag:
		var matches []string
		e.l1.ForEach(func(key string, item *Item) bool {
			if item.HasTag(event.Tag) {
				matches = append(matches, key)
			}
			return true
		})
		for _, key := range matches {
			e.l1.Delete(key)
		}
		e.tags.RemoveTag(event.Tag)
	case EventClear:
		e.l1.Clear()
		e.tags.Clear()
	default:
		return
	}
	e.events.publish(event)
}

func (e *Engine) recordHit(layer Layer, start time.Time) {
	elapsed := time.Since(start)
	e.stats.recordHit(layer, elapsed)
	e.metrics.Operation(layer, "get", "hit", elapsed)
}

func (e *Engine) recordMiss(layer Layer, start time.Time) {
	elapsed := time.Since(start)
	e.stats.recordMiss(layer, elapsed)
	e.metrics.Operation(layer, "get", "miss", elapsed)
}

func (e *Engine) recordSet(layer Layer, start time.Time) {
	elapsed := time.Since(start)
	e.stats.recordSet(layer, elapsed)
	e.metrics.Operation(layer, "set", "ok", elapsed)
}

func (e *Engine) tagTTL() time.Duration {
	if e.opts.TagTTL > 0 {
		return e.opts.TagTTL
	}
	return 24 * time.Hour
}

// reencode copies a fetched value into the caller's destination through the
// same JSON representation a cache hit would produce
func reencode(value, dest interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
