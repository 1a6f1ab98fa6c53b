package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis key holding the serialized lobby queue. There is a
// single global lobby, so a single well-known key suffices.
const QueueKey = "lobby:queue"

// Store is the durable persistence contract for the lobby queue. Save always
// writes the full ordered queue; Load returns it in the same order. An empty
// queue and a missing record are equivalent.
type Store interface {
	Load(ctx context.Context) ([]QueueEntry, error)
	Save(ctx context.Context, queue []QueueEntry) error
}

// RedisStore persists the lobby queue in Redis as a single JSON value. The
// whole queue is rewritten on every mutation, which keeps the durable record
// exactly equal to the actor's in-memory state.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a lobby store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Load reads the persisted queue. A missing key yields an empty queue.
func (s *RedisStore) Load(ctx context.Context) ([]QueueEntry, error) {
	data, err := s.rdb.Get(ctx, QueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lobby: load queue: %w", err)
	}

	var queue []QueueEntry
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("lobby: decode queue: %w", err)
	}
	return queue, nil
}

// Save overwrites the persisted queue with the given snapshot.
func (s *RedisStore) Save(ctx context.Context, queue []QueueEntry) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("lobby: encode queue: %w", err)
	}
	if err := s.rdb.Set(ctx, QueueKey, data, 0).Err(); err != nil {
		return fmt.Errorf("lobby: save queue: %w", err)
	}
	return nil
}
