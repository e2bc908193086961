package redis

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/testutil"
)

type syncRecord struct {
	Device string    `json:"device"`
	Count  int       `json:"count"`
	At     time.Time `json:"at"`
}

func TestClient_JSONRoundTrip(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	client := NewClient(rdb)
	ctx := context.Background()

	key := fmt.Sprintf(KeySyncMetadata, 42)

	var missing syncRecord
	found, err := client.GetJSON(ctx, key, &missing)
	require.NoError(t, err)
	assert.False(t, found)

	want := syncRecord{Device: "phone", Count: 3, At: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, client.SetJSON(ctx, key, want, time.Minute))

	var got syncRecord
	found, err = client.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want.Device, got.Device)
	assert.Equal(t, want.Count, got.Count)
	assert.True(t, want.At.Equal(got.At))

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestClient_Counters(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	client := NewClient(rdb)
	ctx := context.Background()
	key := fmt.Sprintf(KeySmartDaily, 7, "2026-10-18")

	n, err := client.GetInt(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for i := 1; i <= 3; i++ {
		n, err = client.IncrWithTTL(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	n, err = client.Decrement(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = client.Decrement(ctx, "smart:daily:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	exists, err := client.Exists(ctx, "smart:daily:missing").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestClient_KeysAndDelete(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	client := NewClient(rdb)
	ctx := context.Background()

	for _, device := range []string{"phone", "tablet"} {
		key := fmt.Sprintf(KeyAutoSync, 1, device)
		require.NoError(t, client.SetJSON(ctx, key, map[string]bool{"enabled": true}, time.Hour))
	}
	require.NoError(t, client.SetJSON(ctx, fmt.Sprintf(KeySmartSettings, 1), map[string]bool{"enabled": true}, time.Hour))

	keys, err := client.Keys(ctx, KeyAutoSyncPattern)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"sync:auto:1:phone", "sync:auto:1:tablet"}, keys)

	require.NoError(t, client.DeleteKeys(ctx, keys...))
	require.NoError(t, client.DeleteKeys(ctx))

	keys, err = client.Keys(ctx, KeyAutoSyncPattern)
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.NoError(t, client.Health(ctx))
}
