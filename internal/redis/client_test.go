package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{
		Address:   mr.Addr(),
		KeyPrefix: "cache:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client, err := NewClient(&Config{Address: mr.Addr()})
		assert.NoError(t, err)
		assert.NotNil(t, client)
		assert.NoError(t, client.Close())
	})

	t.Run("nil config", func(t *testing.T) {
		client, err := NewClient(nil)
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "redis config is required")
	})

	t.Run("connection failure", func(t *testing.T) {
		client, err := NewClient(&Config{Address: "invalid:99999"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("applies defaults", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		config := &Config{Address: mr.Addr()}
		client, err := NewClient(config)
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, 10, config.PoolSize)
		assert.Equal(t, 3*time.Second, config.OpTimeout)
	})
}

func TestClient_GetSetBytes(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		payload := []byte(`{"name":"Ann"}`)
		require.NoError(t, client.SetBytes(ctx, "user:42", payload, time.Hour))

		data, found, err := client.GetBytes(ctx, "user:42")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, payload, data)
	})

	t.Run("key prefix applied", func(t *testing.T) {
		require.NoError(t, client.SetBytes(ctx, "prefixed", []byte("x"), time.Hour))
		assert.True(t, mr.Exists("cache:prefixed"))
	})

	t.Run("absent key is a miss, not an error", func(t *testing.T) {
		data, found, err := client.GetBytes(ctx, "missing")
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, data)
	})

	t.Run("physical ttl enforced", func(t *testing.T) {
		require.NoError(t, client.SetBytes(ctx, "expiring", []byte("x"), time.Second))
		mr.FastForward(2 * time.Second)

		_, found, err := client.GetBytes(ctx, "expiring")
		assert.NoError(t, err)
		assert.False(t, found)
	})
}

func TestClient_Delete(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.SetBytes(ctx, "doomed", []byte("x"), time.Hour))

	existed, err := client.Delete(ctx, "doomed")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = client.Delete(ctx, "doomed")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestClient_ScanKeysByPrefix(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.SetBytes(ctx, "user:1", []byte("a"), time.Hour))
	require.NoError(t, client.SetBytes(ctx, "user:2", []byte("b"), time.Hour))
	require.NoError(t, client.SetBytes(ctx, "order:1", []byte("c"), time.Hour))

	keys, err := client.ScanKeysByPrefix(ctx, "user:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)
}

func TestClient_Clear(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.SetBytes(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, client.SetBytes(ctx, "b", []byte("2"), time.Hour))

	// A key outside the prefix must survive a clear
	mr.Set("other:app", "untouched")

	require.NoError(t, client.Clear(ctx))

	_, found, err := client.GetBytes(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, mr.Exists("other:app"))
}

func TestClient_TagMirror(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	t.Run("add and read members", func(t *testing.T) {
		require.NoError(t, client.TagAdd(ctx, "profile", "user:1", 24*time.Hour))
		require.NoError(t, client.TagAdd(ctx, "profile", "user:2", 24*time.Hour))

		members, err := client.TagMembers(ctx, "profile")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user:1", "user:2"}, members)
	})

	t.Run("remove single key", func(t *testing.T) {
		require.NoError(t, client.TagRemoveKey(ctx, "profile", "user:1"))

		members, err := client.TagMembers(ctx, "profile")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user:2"}, members)
	})

	t.Run("delete tag", func(t *testing.T) {
		require.NoError(t, client.TagDelete(ctx, "profile"))

		members, err := client.TagMembers(ctx, "profile")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("unknown tag is empty, not an error", func(t *testing.T) {
		members, err := client.TagMembers(ctx, "never-used")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestClient_PubSub(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	pubsub := client.Subscribe(ctx, "cache:invalidations")
	defer pubsub.Close()

	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "cache:invalidations", []byte(`{"op":"delete","key":"user:42"}`)))

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cache:invalidations", msg.Channel)
	assert.Contains(t, msg.Payload, "user:42")
}

func TestClient_Health(t *testing.T) {
	client, mr := setupTestRedis(t)

	assert.NoError(t, client.Health())

	mr.Close()
	assert.Error(t, client.Health())
}
