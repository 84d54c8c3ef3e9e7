package store

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewManager(client, time.Minute, zerolog.Nop())
}

func sampleResult(batchID string) *batch.BatchResult {
	return &batch.BatchResult{
		BatchID: &batchID,
		Results: []batch.ItemResult{
			{ID: "a", Status: http.StatusOK, Body: json.RawMessage(`{"ok":true}`)},
			{ID: "b", Status: http.StatusGatewayTimeout, Error: batch.TimeoutError},
		},
		FinishedAt: time.Date(2026, 10, 15, 12, 0, 0, 123456789, time.UTC),
	}
}

func TestNewManager_Panic(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, time.Minute, zerolog.Nop()) })
}

func TestNewManager_DefaultTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	assert.Equal(t, DefaultTTL, NewManager(client, 0, zerolog.Nop()).TTL())
}

func TestManager_SaveAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Save(ctx, sampleResult("nightly-42")))
	assert.True(t, mr.Exists("batch:result:nightly-42"))

	got, err := manager.Get(ctx, "nightly-42")
	require.NoError(t, err)

	require.NotNil(t, got.BatchID)
	assert.Equal(t, "nightly-42", *got.BatchID)
	assert.True(t, got.FinishedAt.Equal(sampleResult("x").FinishedAt))
	require.Len(t, got.Results, 2)
	assert.Equal(t, "a", got.Results[0].ID)
	assert.Equal(t, map[string]any{"ok": true}, got.Results[0].Body)
	assert.Equal(t, batch.TimeoutError, got.Results[1].Error)
}

func TestManager_SaveAppliesTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Save(ctx, sampleResult("ttl")))
	assert.Equal(t, time.Minute, mr.TTL(Key("ttl")))

	mr.FastForward(2 * time.Minute)

	_, err := manager.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SaveWithoutBatchID(t *testing.T) {
	mr, manager := setupTestRedis(t)

	result := sampleResult("x")
	result.BatchID = nil
	assert.ErrorIs(t, manager.Save(context.Background(), result), ErrMissingBatchID)
	assert.ErrorIs(t, manager.Save(context.Background(), nil), ErrMissingBatchID)
	assert.Empty(t, mr.Keys())
}

func TestManager_GetNotFound(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_GetCorruptEntry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	require.NoError(t, mr.Set(Key("broken"), "{not json"))

	_, err := manager.Get(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestManager_Delete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Save(ctx, sampleResult("gone")))
	require.NoError(t, manager.Delete(ctx, "gone"))
	assert.False(t, mr.Exists(Key("gone")))

	assert.ErrorIs(t, manager.Delete(ctx, "never-there"), ErrNotFound)
	assert.ErrorIs(t, manager.Delete(ctx, "gone"), ErrNotFound)
}

func TestManager_RedisUnavailable(t *testing.T) {
	mr, manager := setupTestRedis(t)
	mr.Close()
	ctx := context.Background()

	assert.Error(t, manager.Ping(ctx))
	assert.Error(t, manager.Save(ctx, sampleResult("down")))

	_, err := manager.Get(ctx, "down")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	err = manager.Delete(ctx, "down")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	t.Run("address", func(t *testing.T) {
		client, err := Connect(ctx, mr.Addr())
		require.NoError(t, err)
		client.Close()
	})

	t.Run("url", func(t *testing.T) {
		client, err := Connect(ctx, "redis://"+mr.Addr()+"/0")
		require.NoError(t, err)
		client.Close()
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := Connect(ctx, "redis://"+mr.Addr()+"/notadb")
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		addr := mr.Addr()
		mr.Close()
		_, err := Connect(ctx, addr)
		assert.Error(t, err)
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "batch:result:abc", Key("abc"))
	assert.Equal(t, KeyPrefix+"nightly-42", Key("nightly-42"))
}
