// Package journal keeps saga logs in Redis and reports sagas that stop
// making progress.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentops/platform/pkg/saga"
)

// RedisStore implements saga.Store. Each log is a JSON string under
// prefix+"log:"+id with a TTL; non-terminal logs are also indexed in the
// sorted set prefix+"index:active", scored by their last update so stale
// ones can be listed. Log keys and the index never share a namespace.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ saga.Store = (*RedisStore)(nil)

func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return s.prefix + "log:" + id }

func (s *RedisStore) indexKey() string { return s.prefix + "index:active" }

func (s *RedisStore) Save(ctx context.Context, log *saga.Log) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode saga log %s: %w", log.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(log.ID), raw, s.ttl)
		s.index(ctx, pipe, log)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save saga log %s: %w", log.ID, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, log *saga.Log) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode saga log %s: %w", log.ID, err)
	}
	ok, err := s.client.SetXX(ctx, s.key(log.ID), raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("update saga log %s: %w", log.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", saga.ErrLogNotFound, log.ID)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		s.index(ctx, pipe, log)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index saga log %s: %w", log.ID, err)
	}
	return nil
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, log *saga.Log) {
	if log.Status.Terminal() {
		pipe.ZRem(ctx, s.indexKey(), log.ID)
		return
	}
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(log.UpdatedAt.UnixMilli()), Member: log.ID})
}

func (s *RedisStore) Get(ctx context.Context, id string) (*saga.Log, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", saga.ErrLogNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga log %s: %w", id, err)
	}
	var log saga.Log
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("decode saga log %s: %w", id, err)
	}
	return &log, nil
}

// Stale returns non-terminal logs last updated before cutoff. Index entries
// whose log has expired are dropped.
func (s *RedisStore) Stale(ctx context.Context, cutoff time.Time) ([]*saga.Log, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale saga logs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load stale saga logs: %w", err)
	}

	var (
		out     []*saga.Log
		expired []interface{}
	)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var log saga.Log
		if err := json.Unmarshal([]byte(raw), &log); err != nil {
			return nil, fmt.Errorf("decode saga log %s: %w", ids[i], err)
		}
		if log.Status.Terminal() {
			expired = append(expired, ids[i])
			continue
		}
		out = append(out, &log)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return out, fmt.Errorf("prune saga log index: %w", err)
		}
	}
	return out, nil
}
