package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKV stores session state in Redis. Keys are namespaced
// "intake:{field}:{sessionKey}" and expire via Redis TTLs.
type redisKV struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session state store.
func NewRedisStore(client *redis.Client, ttls TTLs) Store {
	return newKVStore(&redisKV{client: client}, ttls)
}

func redisKey(field, key string) string {
	return "intake:" + field + ":" + key
}

func (r *redisKV) put(ctx context.Context, field, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, redisKey(field, key), value, ttl).Err()
}

func (r *redisKV) get(ctx context.Context, field, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, redisKey(field, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *redisKV) del(ctx context.Context, field, key string) error {
	return r.client.Del(ctx, redisKey(field, key)).Err()
}
