package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LogPrefix is the Redis key prefix for per-session message logs.
	LogPrefix = "session:log:"

	// DefaultLogTTL is how long a session's message log survives after its
	// last append. Long-term retention belongs to the archiver, not to the
	// live store.
	DefaultLogTTL = 7 * 24 * time.Hour
)

// LogStore is the durable persistence contract for one session's ordered,
// append-only message log.
type LogStore interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	History(ctx context.Context, sessionID string) ([]Message, error)
}

// RedisLogStore persists message logs as Redis lists, one JSON-encoded entry
// per message, appended in send order.
type RedisLogStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLogStore creates a log store backed by the given Redis client.
// A ttl of zero falls back to DefaultLogTTL.
func NewRedisLogStore(rdb *redis.Client, ttl time.Duration) *RedisLogStore {
	if ttl == 0 {
		ttl = DefaultLogTTL
	}
	return &RedisLogStore{rdb: rdb, ttl: ttl}
}

// Append adds a message to the end of the session's log and refreshes the
// log's TTL.
func (s *RedisLogStore) Append(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chat: encode message: %w", err)
	}

	key := LogPrefix + sessionID
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: append message: %w", err)
	}
	return nil
}

// History returns the session's full message log in send order. A missing
// key yields an empty history.
func (s *RedisLogStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, LogPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}

	history := make([]Message, 0, len(raw))
	for i, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("chat: decode history entry %d: %w", i, err)
		}
		history = append(history, msg)
	}
	return history, nil
}
