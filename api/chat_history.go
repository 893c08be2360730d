package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/venmail/vensuite-gateway/auth/db"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// ChatHistoryStore is a read-through/write-through wrapper over the
// cache's chat buckets, bounded to limit messages per room. An
// in-memory shadow avoids a cache round-trip once a room's history has
// been read. History is best-effort: cache failures and corrupt
// payloads degrade to an empty list and are never surfaced to callers.
type ChatHistoryStore struct {
	cache *db.RedisDB
	limit int
	ttl   time.Duration

	mu     sync.Mutex
	shadow map[string][]ChatMessage
}

// NewChatHistoryStore creates a new chat history store
func NewChatHistoryStore(cache *db.RedisDB, limit int, ttl time.Duration) *ChatHistoryStore {
	return &ChatHistoryStore{
		cache:  cache,
		limit:  limit,
		ttl:    ttl,
		shadow: make(map[string][]ChatMessage),
	}
}

// Get returns the retained history for a room bucket. The first read
// for a bucket goes to the cache and seeds the shadow; later reads are
// served from memory.
func (s *ChatHistoryStore) Get(ctx context.Context, bucket string) []ChatMessage {
	s.mu.Lock()
	if messages, ok := s.shadow[bucket]; ok {
		out := make([]ChatMessage, len(messages))
		copy(out, messages)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	messages := s.fetch(ctx, bucket)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have seeded the bucket while we were
	// reading the cache; its view wins.
	if seeded, ok := s.shadow[bucket]; ok {
		messages = seeded
	} else {
		s.shadow[bucket] = messages
	}
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	return out
}

// fetch reads and parses a bucket from the cache. Absent keys, cache
// errors and corrupt payloads all yield an empty list.
func (s *ChatHistoryStore) fetch(ctx context.Context, bucket string) []ChatMessage {
	logger := slogging.Get()

	data, err := s.cache.Get(ctx, bucket)
	if err != nil {
		if !db.IsNotFound(err) {
			logger.Warn("Chat history read failed for bucket %s: %v", bucket, err)
		}
		return []ChatMessage{}
	}

	var messages []ChatMessage
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		logger.Warn("Corrupt chat history payload for bucket %s: %v", bucket, err)
		return []ChatMessage{}
	}
	if messages == nil {
		messages = []ChatMessage{}
	}
	return messages
}

// Append adds a message to a room bucket, truncates the history to the
// retention limit and writes the result back to the cache with the
// configured TTL. Write failures are logged and swallowed.
func (s *ChatHistoryStore) Append(ctx context.Context, bucket string, message ChatMessage) {
	logger := slogging.Get()

	// Seed the shadow before mutating so the bounded history includes
	// whatever the cache already held.
	s.Get(ctx, bucket)

	s.mu.Lock()
	messages := append(s.shadow[bucket], message)
	if len(messages) > s.limit {
		messages = messages[len(messages)-s.limit:]
	}
	s.shadow[bucket] = messages
	snapshot := make([]ChatMessage, len(messages))
	copy(snapshot, messages)
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.Error("Failed to marshal chat history for bucket %s: %v", bucket, err)
		return
	}
	if err := s.cache.Set(ctx, bucket, data, s.ttl); err != nil {
		logger.Warn("Chat history write failed for bucket %s: %v", bucket, err)
	}
}

// Len reports the retained history length for a bucket without
// touching the cache.
func (s *ChatHistoryStore) Len(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shadow[bucket])
}
