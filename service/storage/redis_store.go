package storage

import (
	"context"
	"errors"
	"sort"

	"msggate/tools/errs"

	"github.com/redis/go-redis/v9"
)

// credential key: gw:cred:<session>   (hash: key -> value)
// session index:  gw:cred:sessions    (set)
const redisSessionIndex = "gw:cred:sessions"

func credKey(sessionID string) string { return "gw:cred:" + sessionID }

// RedisStore keeps each session namespace in one hash.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (map[string][]byte, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	vals, err := s.rdb.HGetAll(ctx, credKey(sessionID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "redis hgetall", "session", sessionID)
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	b, err := s.rdb.HGet(ctx, credKey(sessionID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "redis hget", "session", sessionID, "key", key)
	}
	return b, nil
}

func (s *RedisStore) Apply(ctx context.Context, sessionID string, set map[string][]byte, del []string) error {
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	if len(set) == 0 && len(del) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	if len(set) > 0 {
		fields := make(map[string]any, len(set))
		for k, v := range set {
			fields[k] = v
		}
		pipe.HSet(ctx, credKey(sessionID), fields)
		pipe.SAdd(ctx, redisSessionIndex, sessionID)
	}
	if len(del) > 0 {
		pipe.HDel(ctx, credKey(sessionID), del...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "redis apply credentials", "session", sessionID)
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, sessionID string) error {
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, credKey(sessionID))
	pipe.SRem(ctx, redisSessionIndex, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "redis purge credentials", "session", sessionID)
	}
	return nil
}

func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, redisSessionIndex).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "redis smembers")
	}
	sort.Strings(ids)
	return ids, nil
}
