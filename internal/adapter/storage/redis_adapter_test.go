package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, nil)

	client.Del(ctx, idempotencyKeyPrefix+"test-idem-key")

	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.True(t, ok, "first call should succeed")

	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.False(t, ok, "second call should fail")
}

func TestReleaseIdempotency(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, nil)

	client.Del(ctx, idempotencyKeyPrefix+"release-idem-key")

	ok, err := adapter.SetIdempotency(ctx, "release-idem-key")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, adapter.ReleaseIdempotency(ctx, "release-idem-key"))

	ok, err = adapter.SetIdempotency(ctx, "release-idem-key")
	require.NoError(t, err)
	assert.True(t, ok, "claim after release should succeed")
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, nil)

	client.Del(ctx, idempotencyKeyPrefix+"concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load(), "only one should succeed")
}

func TestEventRelay_PreservesOrder(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	adapter := NewRedisAdapter(client, nil)
	adapter.channel = "inventory:events:test-" + time.Now().Format("150405.000000")

	events, err := adapter.Subscribe(ctx)
	require.NoError(t, err)

	for rev := int64(1); rev <= 5; rev++ {
		require.NoError(t, adapter.PublishEvent(ctx, domain.MutationEvent{
			ID:          "ev",
			ItemID:      "relay-item",
			Topic:       domain.InventoryTopic,
			NewQuantity: int(rev),
			Revision:    rev,
		}))
	}

	for rev := int64(1); rev <= 5; rev++ {
		select {
		case ev := <-events:
			assert.Equal(t, rev, ev.Revision)
			assert.Equal(t, domain.InventoryTopic, ev.Topic)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for revision %d", rev)
		}
	}
}
