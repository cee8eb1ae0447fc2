package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/errors"
)

// compareAndDelete deletes a key only when its value matches, in one
// atomic server-side step. Used to release leases: only the holder may
// release.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Client over a Redis server.
type Redis struct {
	rdb *redis.Client
}

var _ Client = (*Redis)(nil)

// NewRedis connects to the store at the given URL
// (e.g. "redis://localhost:6379/0") and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redis url %s", url)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "failed to reach redis")
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errors.Wrapf(errors.ErrNotFound, "key %s", key)
	}
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrapf(err, "del %v", keys)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "incr %s", key)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "expire %s", key)
	}
	return ok, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := r.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "hincrby %s %s", key, field)
	}
	return n, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "hgetall %s", key)
	}
	return m, nil
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := r.rdb.LPush(ctx, key, args...).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "lpush %s", key)
	}
	return n, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "lrange %s", key)
	}
	return vals, nil
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return errors.Wrapf(err, "ltrim %s", key)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "setnx %s", key)
	}
	return ok, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "compare-and-delete %s", key)
	}
	return n == 1, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
