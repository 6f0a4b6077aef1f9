package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON blob per user at usage:<userID>. Reads and
// writes are plain GET/SET with no WATCH or CAS; see the Store doc comment
// for the race this accepts.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func usageKey(userID string) string {
	return fmt.Sprintf("usage:%s", userID)
}

func (s *RedisStore) Load(ctx context.Context, userID string) (Record, bool, error) {
	data, err := s.rdb.Get(ctx, usageKey(userID)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decoding usage record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Save(ctx context.Context, userID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding usage record: %w", err)
	}
	if err := s.rdb.Set(ctx, usageKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
