package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jun/doclock/internal/model"
	"github.com/redis/go-redis/v9"
)

// Each checkout is a hash {user_id, record} whose key expires with the TTL.
var (
	acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if owner and owner ~= ARGV[1] then
  return redis.call('HGET', KEYS[1], 'record')
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'record', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return false
`)
	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'user_id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisStore keeps checkouts in Redis. Expiry is enforced by key TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   options
}

func NewRedisStore(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "doclock:checkout:", opts: buildOptions(opts)}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Acquire(ctx context.Context, rec model.CheckoutRecord) (*model.CheckoutRecord, error) {
	rec.ExpiresAt = s.opts.clock.Now().Add(s.opts.ttl).Unix()
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkout record: %w", err)
	}

	held, err := acquireScript.Run(ctx, s.rdb, []string{s.key(rec.DocumentID)},
		rec.UserID, string(payload), s.opts.ttl.Milliseconds()).Text()
	switch {
	case errors.Is(err, redis.Nil):
		return &rec, nil
	case err != nil:
		return nil, fmt.Errorf("failed to acquire checkout: %w", err)
	}

	var holder model.CheckoutRecord
	if err := json.Unmarshal([]byte(held), &holder); err != nil {
		return nil, fmt.Errorf("failed to decode holder record: %w", err)
	}
	return nil, &LockedError{Record: holder}
}

func (s *RedisStore) Release(ctx context.Context, documentID, userID string) error {
	n, err := releaseScript.Run(ctx, s.rdb, []string{s.key(documentID)}, userID).Int()
	if err != nil {
		return fmt.Errorf("failed to release checkout: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, documentID string) (*model.CheckoutRecord, error) {
	raw, err := s.rdb.HGet(ctx, s.key(documentID), "record").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout: %w", err)
	}
	var rec model.CheckoutRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode checkout record: %w", err)
	}
	return &rec, nil
}
