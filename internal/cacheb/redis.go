package cacheb

import (
	"context"

	"github.com/gomodule/redigo/redis"

	"tileproxy/internal/errs"
)

// RedisBackend stores tile bytes under a single string key per tile,
// using the conn := pool.Get(); defer close idiom around every
// get/set/del call.
type RedisBackend struct {
	Pool      *redis.Pool
	KeyPrefix string
}

func NewRedisBackend(addr, keyPrefix string, maxIdle, maxActive int) *RedisBackend {
	return &RedisBackend{
		KeyPrefix: keyPrefix,
		Pool: &redis.Pool{
			MaxIdle:     maxIdle,
			MaxActive:   maxActive,
			IdleTimeout: 120,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
		},
	}
}

func (b *RedisBackend) redisKey(key Key) string {
	return b.KeyPrefix + key.String()
}

func (b *RedisBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	conn, err := b.Pool.GetContext(ctx)
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	defer conn.Close()
	data, err := redis.Bytes(conn.Do("GET", b.redisKey(key)))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	return data, true, nil
}

func (b *RedisBackend) Store(ctx context.Context, key Key, data []byte) error {
	conn, err := b.Pool.GetContext(ctx)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	defer conn.Close()
	if _, err := conn.Do("SET", b.redisKey(key), data); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context, key Key) error {
	conn, err := b.Pool.GetContext(ctx)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	defer conn.Close()
	if _, err := conn.Do("DEL", b.redisKey(key)); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	return nil
}

func (b *RedisBackend) IsCached(ctx context.Context, key Key) (bool, error) {
	conn, err := b.Pool.GetContext(ctx)
	if err != nil {
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	defer conn.Close()
	exists, err := redis.Bool(conn.Do("EXISTS", b.redisKey(key)))
	if err != nil {
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	return exists, nil
}

// LoadMany pipelines one MGET for the whole meta-tile, the bulk
// primitive EachLoad has no equivalent for.
func (b *RedisBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	if len(keys) == 0 {
		return map[Key][]byte{}, nil
	}
	conn, err := b.Pool.GetContext(ctx)
	if err != nil {
		return nil, &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	defer conn.Close()

	args := redis.Args{}
	for _, k := range keys {
		args = args.Add(b.redisKey(k))
	}
	values, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, &errs.CacheError{Kind: errs.CacheIOError, Backend: "redis", Err: err}
	}
	out := make(map[Key][]byte, len(keys))
	for i, v := range values {
		if v != nil {
			out[keys[i]] = v
		}
	}
	return out, nil
}

func (b *RedisBackend) Capabilities() Capabilities { return Capabilities{SupportsBulk: true} }

func (b *RedisBackend) Close() error { return b.Pool.Close() }
