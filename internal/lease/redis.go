package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: REDIS LEASES

A lease is a key with a TTL whose value names the holder:

  SET lock:<room> <holder> NX PX <ttl>   -> acquire (only if absent)
  GET + compare + DEL in one Lua script  -> release (only if still ours)

The compare-and-delete must be atomic. A plain GET then DEL can delete a lease
that expired and was re-acquired by someone else in between.

Leases live outside the process, so a restart finds the old holder's lease
and waits out its TTL. Rooms themselves are still per process.
*/

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore keeps leases in Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and checks the connection
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "notesync:lock:",
	}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// Acquire sets the lease if absent. A holder asking again refreshes its TTL.
func (s *RedisStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	refreshed, err := refreshScript.Run(ctx, s.client, []string{s.key(key)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", key, err)
	}
	return refreshed == 1, nil
}

// Release deletes the lease if holder still owns it
func (s *RedisStore) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
