package api

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venmail/vensuite-gateway/auth/db"
)

func setupHistoryStore(t *testing.T, limit int, ttl time.Duration) (*ChatHistoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := db.NewRedisDBFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewChatHistoryStore(rdb, limit, ttl), mr
}

func TestChatHistoryAppendAndGet(t *testing.T) {
	store, mr := setupHistoryStore(t, 100, 24*time.Hour)
	ctx := context.Background()

	msg := ChatMessage{
		ID:        "m1",
		Type:      "chat",
		Content:   "hello",
		User:      Sender{ID: "u1", Name: "Alice"},
		Timestamp: time.Now().UTC(),
	}
	store.Append(ctx, "messages_s1", msg)

	got := store.Get(ctx, "messages_s1")
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "hello", got[0].Content)

	t.Run("WritesThroughWithTTL", func(t *testing.T) {
		data, err := mr.Get("messages_s1")
		require.NoError(t, err)

		var stored []ChatMessage
		require.NoError(t, json.Unmarshal([]byte(data), &stored))
		require.Len(t, stored, 1)
		assert.Equal(t, "m1", stored[0].ID)

		assert.Equal(t, 24*time.Hour, mr.TTL("messages_s1"))
	})

	t.Run("RoomsAreIsolated", func(t *testing.T) {
		assert.Empty(t, store.Get(ctx, "messages_s2"))
	})
}

func TestChatHistoryBoundedRetention(t *testing.T) {
	store, _ := setupHistoryStore(t, 5, time.Hour)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		store.Append(ctx, "messages_s1", ChatMessage{
			ID:      fmt.Sprintf("m%d", i),
			Content: fmt.Sprintf("message %d", i),
		})
	}

	got := store.Get(ctx, "messages_s1")
	require.Len(t, got, 5, "history must retain only the newest messages")
	assert.Equal(t, "m4", got[0].ID)
	assert.Equal(t, "m8", got[4].ID)
	assert.Equal(t, 5, store.Len("messages_s1"))
}

func TestChatHistorySeedsFromCache(t *testing.T) {
	store, mr := setupHistoryStore(t, 100, time.Hour)
	ctx := context.Background()

	existing, err := json.Marshal([]ChatMessage{{ID: "old", Content: "earlier"}})
	require.NoError(t, err)
	require.NoError(t, mr.Set("messages_s1", string(existing)))

	store.Append(ctx, "messages_s1", ChatMessage{ID: "new", Content: "later"})

	got := store.Get(ctx, "messages_s1")
	require.Len(t, got, 2)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "new", got[1].ID)
}

func TestChatHistoryCorruptPayload(t *testing.T) {
	store, mr := setupHistoryStore(t, 100, time.Hour)
	ctx := context.Background()

	require.NoError(t, mr.Set("messages_s1", "{not json"))

	assert.Empty(t, store.Get(ctx, "messages_s1"))

	// A corrupt bucket starts over rather than failing the room.
	store.Append(ctx, "messages_s1", ChatMessage{ID: "fresh"})
	got := store.Get(ctx, "messages_s1")
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ID)
}

func TestChatHistoryCacheDown(t *testing.T) {
	store, mr := setupHistoryStore(t, 100, time.Hour)
	ctx := context.Background()
	mr.Close()

	assert.Empty(t, store.Get(ctx, "messages_s1"))

	// Writes degrade to the in-memory shadow.
	store.Append(ctx, "messages_s1", ChatMessage{ID: "m1"})
	assert.Len(t, store.Get(ctx, "messages_s1"), 1)
}

func TestChatHistoryGetReturnsCopy(t *testing.T) {
	store, _ := setupHistoryStore(t, 100, time.Hour)
	ctx := context.Background()

	store.Append(ctx, "messages_s1", ChatMessage{ID: "m1", Content: "original"})

	got := store.Get(ctx, "messages_s1")
	got[0].Content = "mutated"

	assert.Equal(t, "original", store.Get(ctx, "messages_s1")[0].Content)
}
