package counter

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const redisKeyPrefix = "counter:"

// RedisStore keeps each shard as a redis hash under counter:<base>:<shard>,
// incremented with HINCRBY. Preferred for hot write paths where per-request
// database writes would be too expensive.
type RedisStore struct {
	client    *redis.Client
	numShards int
}

func NewRedis(client *redis.Client, numShards int) *RedisStore {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	return &RedisStore{client: client, numShards: numShards}
}

func redisShardKey(key ShardKey) string {
	return redisKeyPrefix + key.BaseKey + ":" + strconv.Itoa(key.Shard)
}

func (s *RedisStore) IncrementShard(ctx context.Context, key ShardKey, fields map[string]int64) error {
	if len(fields) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for field, delta := range fields {
		pipe.HIncrBy(ctx, redisShardKey(key), field, delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "counter: redis increment %s", key)
	}
	return nil
}

func (s *RedisStore) ReadShard(ctx context.Context, key ShardKey) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, redisShardKey(key)).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "counter: redis read shard %s", key)
	}

	fields := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "counter: redis shard %s field %s not numeric", key, field)
		}
		fields[field] = n
	}
	return fields, nil
}

func (s *RedisStore) ReadAllShards(ctx context.Context, baseKey string) (map[string]int64, error) {
	return readAllShards(ctx, s, baseKey)
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return eris.Wrapf(err, "counter: redis delete %s", iter.Val())
		}
	}
	return eris.Wrapf(iter.Err(), "counter: redis scan prefix %s", prefix)
}

func (s *RedisStore) NumShards() int { return s.numShards }

func (s *RedisStore) Close() error {
	return eris.Wrap(s.client.Close(), "counter: close redis client")
}
