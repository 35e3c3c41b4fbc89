package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tiercache/internal/common/errors"
	"tiercache/internal/redis"
)

type profile struct {
	Name string `json:"name"`
}

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	l2, err := redis.NewClient(&redis.Config{Address: mr.Addr(), KeyPrefix: "cache:"})
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })

	opts := Options{
		L1Capacity:  100,
		DefaultTTL:  time.Minute,
		SyncEnabled: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	engine, err := New(opts, l2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return engine, mr
}

func TestEngineSetGet(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	err := engine.Set(ctx, "user:42", profile{Name: "Ann"}, &SetOptions{
		TTL:  time.Second,
		Tags: []string{"profile"},
	})
	require.NoError(t, err)

	var got profile
	found, err := engine.Get(ctx, "user:42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ann", got.Name)

	// Default placement writes the shared layer synchronously
	assert.True(t, mr.Exists("cache:user:42"))
}

func TestEngineGetMiss(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	var got profile
	found, err := engine.Get(context.Background(), "absent", &got)
	require.NoError(t, err)
	assert.False(t, found)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.Layers[LayerL1].Misses)
	assert.Equal(t, uint64(1), stats.Layers[LayerL2].Misses)
}

func TestEngineSetValidation(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	t.Run("empty key", func(t *testing.T) {
		err := engine.Set(ctx, "", "v", nil)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	})

	t.Run("negative ttl", func(t *testing.T) {
		err := engine.Set(ctx, "k", "v", &SetOptions{TTL: -time.Second})
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	})

	t.Run("unknown forced layer", func(t *testing.T) {
		err := engine.Set(ctx, "k", "v", &SetOptions{ForceLayer: Layer("l9")})
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	})

	t.Run("forced far layer without far configured", func(t *testing.T) {
		err := engine.Set(ctx, "k", "v", &SetOptions{ForceLayer: LayerL3})
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	})

	t.Run("unserializable value", func(t *testing.T) {
		err := engine.Set(ctx, "k", make(chan int), nil)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeSerialization))
	})

	t.Run("zero ttl falls back to the default", func(t *testing.T) {
		require.NoError(t, engine.Set(ctx, "k", "v", nil))
		item, ok := engine.l1.Peek("k")
		require.True(t, ok)
		assert.Equal(t, time.Minute, item.Metadata.TTL)
	})
}

func TestEngineTTLExpiry(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "short", "v", &SetOptions{TTL: 20 * time.Millisecond}))

	var got string
	found, err := engine.Get(ctx, "short", &got)
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(40 * time.Millisecond)

	// Envelope expiry catches the stale copy on every layer even if the
	// backing store has not physically expired it yet
	found, err = engine.Get(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngineForcedLayerIsExclusive(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "near", "v", &SetOptions{ForceLayer: LayerL1}))

	assert.False(t, mr.Exists("cache:near"))
	assert.Equal(t, 0, engine.queue.Len(), "a forced layer must not be mirrored")

	var got string
	found, err := engine.Get(ctx, "near", &got)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngineL1OnlyPlacementMirrorsThroughQueue(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	// Small and hot: policy keeps it L1-only, sync queue mirrors it
	require.NoError(t, engine.Set(ctx, "hot", "v", &SetOptions{Priority: 3}))

	assert.False(t, mr.Exists("cache:hot"))
	assert.Equal(t, 1, engine.queue.Len())

	assert.Equal(t, 1, engine.FlushSync(ctx))
	assert.True(t, mr.Exists("cache:hot"))
}

func TestEngineDelete(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "user:42", profile{Name: "Ann"}, &SetOptions{Tags: []string{"profile"}}))
	require.True(t, mr.Exists("cache:user:42"))

	found, err := engine.Delete(ctx, "user:42")
	require.NoError(t, err)
	assert.True(t, found)

	engine.FlushSync(ctx)
	assert.False(t, mr.Exists("cache:user:42"))
	assert.Empty(t, engine.tags.TagsForKey("user:42"))

	var got profile
	found, err = engine.Get(ctx, "user:42", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngineDeleteByTag(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "user:1", profile{Name: "Ann"}, &SetOptions{Tags: []string{"profile"}}))
	require.NoError(t, engine.Set(ctx, "user:2", profile{Name: "Bob"}, &SetOptions{Tags: []string{"profile"}}))
	require.NoError(t, engine.Set(ctx, "session:1", "s", &SetOptions{Tags: []string{"session"}}))

	removed, err := engine.DeleteByTag(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, 4, removed, "two L1 entries plus two shared-layer copies")

	var got profile
	for _, key := range []string{"user:1", "user:2"} {
		found, err := engine.Get(ctx, key, &got)
		require.NoError(t, err)
		assert.False(t, found, "%s should be gone on every layer", key)
	}

	var s string
	found, err := engine.Get(ctx, "session:1", &s)
	require.NoError(t, err)
	assert.True(t, found, "other tags are untouched")

	assert.Empty(t, engine.tags.KeysForTag("profile"))
}

func TestEngineDeleteByTagResolvesSharedLayerOnly(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "user:1", profile{Name: "Ann"}, &SetOptions{Tags: []string{"profile"}}))

	// Another instance sharing L2 sees only the mirrored tag set
	other, err := New(Options{DefaultTTL: time.Minute}, engine.l2, nil)
	require.NoError(t, err)
	defer other.Close()

	removed, err := other.DeleteByTag(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	var got profile
	found, err := other.Get(ctx, "user:1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngineDeleteByTagRecoversFromLostMirror(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "user:1", profile{Name: "Ann"}, &SetOptions{Tags: []string{"profile"}}))
	require.True(t, mr.Exists("cache:user:1"))

	// The mirrored tag set is gone, as after a failed TagAdd at Set time;
	// the local index still knows the key
	mr.Del("cache:tag:profile")

	removed, err := engine.DeleteByTag(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "the shared-layer copy is still resolved and removed")
	assert.False(t, mr.Exists("cache:user:1"))
}

func TestEngineDeleteByTagSharedLayerUnavailable(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "user:1", profile{Name: "Ann"}, &SetOptions{Tags: []string{"profile"}}))

	mr.Close()

	// An unreachable shared layer degrades to a partial count, not an error
	removed, err := engine.DeleteByTag(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "the in-process copy is still removed")

	var got profile
	found, getErr := engine.Get(ctx, "user:1", &got)
	require.NoError(t, getErr)
	assert.False(t, found)
}

func TestEngineClear(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "a", "1", &SetOptions{Tags: []string{"t"}}))
	require.NoError(t, engine.Set(ctx, "b", "2", nil))

	t.Run("single layer", func(t *testing.T) {
		require.NoError(t, engine.Clear(ctx, LayerL1))
		assert.Equal(t, 0, engine.l1.Len())
		assert.True(t, mr.Exists("cache:a"), "other layers stay intact")
	})

	t.Run("all layers", func(t *testing.T) {
		require.NoError(t, engine.Clear(ctx, ""))
		assert.False(t, mr.Exists("cache:a"))
		assert.False(t, mr.Exists("cache:b"))
		assert.Empty(t, engine.tags.KeysForTag("t"))
	})

	t.Run("unknown layer", func(t *testing.T) {
		err := engine.Clear(ctx, Layer("l9"))
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	})
}

func TestEnginePromotionFromSharedLayer(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// Simulate a copy written by another instance: present on L2 only
	now := time.Now()
	item := &Item{
		Data: []byte(`{"name":"Ann"}`),
		Metadata: Metadata{
			Layer:      LayerL2,
			Size:       14,
			CreatedAt:  now,
			LastAccess: now,
			TTL:        time.Minute,
		},
	}
	envelope, err := item.MarshalEnvelope()
	require.NoError(t, err)
	require.NoError(t, engine.l2.SetBytes(ctx, "user:42", envelope, time.Minute))

	var got profile
	found, err := engine.Get(ctx, "user:42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ann", got.Name)

	// Promotion is fire-and-forget; wait for the L1 copy to appear
	assert.Eventually(t, func() bool {
		_, ok := engine.l1.Peek("user:42")
		return ok
	}, time.Second, 5*time.Millisecond)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.Layers[LayerL2].Hits)
	assert.Equal(t, uint64(1), stats.Promotions)

	// The next read is served from L1 with the same value
	found, err = engine.Get(ctx, "user:42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, uint64(1), engine.Stats().Layers[LayerL1].Hits)
}

func TestEngineCorruptSharedEntryIsPurged(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.l2.SetBytes(ctx, "bad", []byte("not an envelope"), time.Minute))

	var got string
	found, err := engine.Get(ctx, "bad", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("cache:bad"), "corrupt copy should be purged")
}

func TestEngineMGet(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "a", "1", nil))
	require.NoError(t, engine.Set(ctx, "b", "2", nil))

	results := engine.MGet(ctx, []string{"a", "missing", "b", ""})
	require.Len(t, results, 4)

	assert.Equal(t, "a", results[0].Key)
	assert.True(t, results[0].Found)
	assert.JSONEq(t, `"1"`, string(results[0].Value))

	assert.False(t, results[1].Found)
	assert.NoError(t, results[1].Err)

	assert.True(t, results[2].Found)
	assert.JSONEq(t, `"2"`, string(results[2].Value))

	// One bad key fails alone; the batch itself never fails
	assert.Error(t, results[3].Err)
	assert.True(t, results[0].Found && results[2].Found)
}

func TestEngineMSet(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	errs := engine.MSet(ctx, []MSetEntry{
		{Key: "a", Value: "1"},
		{Key: "bad", Value: "x", Options: &SetOptions{TTL: -1}},
		{Key: "b", Value: "2"},
	})
	require.Len(t, errs, 3)

	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])

	var got string
	found, err := engine.Get(ctx, "b", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", got)
}

func TestEngineGetOrSet(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (interface{}, error) {
		calls++
		return profile{Name: "Ann"}, nil
	}

	var got profile
	fromCache, err := engine.GetOrSet(ctx, "user:42", &got, fetch, nil)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, 1, calls)

	got = profile{}
	fromCache, err = engine.GetOrSet(ctx, "user:42", &got, fetch, nil)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, 1, calls, "a cache hit must not invoke the fetch")
}

func TestEngineGetOrSetFetchFailure(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	var got profile
	_, err := engine.GetOrSet(context.Background(), "user:42", &got, func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("source of truth down")
	}, nil)
	assert.Error(t, err)
}

func TestEngineWarmup(t *testing.T) {
	engine, _ := newTestEngine(t, func(o *Options) { o.WarmupConcurrency = 2 })
	ctx := context.Background()

	entries := make([]WarmupEntry, 0, 5)
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("user:%d", i)
		entries = append(entries, WarmupEntry{
			Key: key,
			Fetch: func(ctx context.Context) (interface{}, error) {
				return profile{Name: key}, nil
			},
		})
	}
	entries = append(entries, WarmupEntry{
		Key: "broken",
		Fetch: func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("unavailable")
		},
	})

	loaded := engine.Warmup(ctx, entries)
	assert.Equal(t, 4, loaded)

	var got profile
	found, err := engine.Get(ctx, "user:0", &got)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngineStats(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "a", "1", nil))

	var got string
	_, err := engine.Get(ctx, "a", &got)
	require.NoError(t, err)
	_, err = engine.Get(ctx, "missing", &got)
	require.NoError(t, err)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.Layers[LayerL1].Hits)
	assert.Equal(t, uint64(1), stats.Layers[LayerL1].Sets)
	assert.Equal(t, uint64(1), stats.Layers[LayerL2].Sets)
	assert.Equal(t, 1, stats.L1Entries)
	assert.Equal(t, 100, stats.L1Capacity)
	assert.InDelta(t, 0.01, stats.L1Utilization, 0.001)
	assert.Greater(t, stats.Uptime, time.Duration(0))
}

func TestEngineHealthCheck(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		health := engine.HealthCheck(ctx)
		assert.True(t, health.Healthy)
		assert.Empty(t, health.Issues)
	})

	t.Run("full L1 degrades health", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			require.NoError(t, engine.Set(ctx, fmt.Sprintf("k%d", i), "v", &SetOptions{ForceLayer: LayerL1}))
		}
		health := engine.HealthCheck(ctx)
		assert.False(t, health.Healthy)
		assert.Contains(t, health.Issues, "l1 utilization above 90%")
	})

	t.Run("shared layer outage degrades health", func(t *testing.T) {
		mr.Close()
		health := engine.HealthCheck(ctx)
		assert.False(t, health.Healthy)
		assert.NotEmpty(t, health.Issues)
	})
}

func TestEngineSubscribe(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	events := engine.Subscribe()

	require.NoError(t, engine.Set(ctx, "a", "1", nil))
	_, err := engine.Delete(ctx, "a")
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, EventSet, first.Op)
	assert.Equal(t, "a", first.Key)

	second := <-events
	assert.Equal(t, EventDelete, second.Op)
	assert.Equal(t, "a", second.Key)
	assert.NotEmpty(t, second.Origin)
}

func TestEngineCrossInstanceInvalidation(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	newInstance := func() *Engine {
		l2, err := redis.NewClient(&redis.Config{Address: mr.Addr(), KeyPrefix: "cache:"})
		require.NoError(t, err)
		t.Cleanup(func() { l2.Close() })

		engine, err := New(Options{DefaultTTL: time.Minute}, l2, nil)
		require.NoError(t, err)
		require.NoError(t, engine.Start())
		t.Cleanup(func() { engine.Close() })
		return engine
	}

	a := newInstance()
	b := newInstance()
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "user:42", profile{Name: "Ann"}, &SetOptions{Tags: []string{"profile"}}))

	// Warm b's L1 from the shared copy
	var got profile
	found, err := b.Get(ctx, "user:42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Eventually(t, func() bool {
		_, ok := b.l1.Peek("user:42")
		return ok
	}, time.Second, 5*time.Millisecond)

	// A delete on a must drop b's in-process copy via pub/sub
	_, err = a.Delete(ctx, "user:42")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := b.l1.Peek("user:42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineCloseFlushesPendingSync(t *testing.T) {
	engine, mr := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Set(ctx, "hot", "v", &SetOptions{Priority: 3}))
	require.Equal(t, 1, engine.queue.Len())

	require.NoError(t, engine.Close())
	assert.True(t, mr.Exists("cache:hot"))
}

func TestNewEngineRequiresSharedLayer(t *testing.T) {
	_, err := New(Options{}, nil, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}
