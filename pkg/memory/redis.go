package memory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scottdavis/nnflow/pkg/errors"
)

// RedisStore implements Memory using Redis as the backend. Values are stored
// as raw strings.
type RedisStore struct {
	client *redis.Client
}

// Ensure RedisStore implements Memory interface
var _ Memory = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-backed store and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to connect to Redis"),
			errors.Fields{"addr": addr},
		)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Store(ctx context.Context, key string, value []byte, opts ...StoreOption) error {
	options := applyOptions(opts)

	if err := r.client.Set(ctx, key, value, options.TTL).Err(); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to store value in Redis"),
			errors.Fields{"key": key, "ttl": options.TTL},
		)
	}
	return nil
}

func (r *RedisStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to retrieve value from Redis"),
			errors.Fields{"key": key},
		)
	}
	return value, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to delete key from Redis"),
			errors.Fields{"key": key},
		)
	}
	return nil
}

// List scans the keyspace for keys starting with prefix.
func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to list keys from Redis"),
			errors.Fields{"prefix": prefix},
		)
	}
	return keys, nil
}

// Clear flushes the selected database.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.TransportFailed, "failed to clear Redis store")
	}
	return nil
}

// CleanExpired is a no-op: Redis expires keys itself.
func (r *RedisStore) CleanExpired(context.Context) (int64, error) {
	return 0, nil
}

func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil {
		return errors.Wrap(err, errors.TransportFailed, "failed to close Redis connection")
	}
	return nil
}

// RedisListStore extends RedisStore with list operations
type RedisListStore struct {
	*RedisStore
}

// Ensure RedisListStore implements ListMemory interface
var _ ListMemory = (*RedisListStore)(nil)

// NewRedisListStore creates a new Redis-backed store with list operations
func NewRedisListStore(addr, password string, db int) (*RedisListStore, error) {
	store, err := NewRedisStore(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &RedisListStore{RedisStore: store}, nil
}

func (s *RedisListStore) PushList(ctx context.Context, key string, value []byte, opts ...StoreOption) error {
	options := applyOptions(opts)

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if options.TTL > 0 {
		pipe.Expire(ctx, key, options.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to push to list in Redis"),
			errors.Fields{"key": key, "ttl": options.TTL},
		)
	}
	return nil
}

// PopList blocks on BLPOP. Redis rounds timeout to whole seconds.
func (s *RedisListStore) PopList(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		value, err := s.client.LPop(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.TransportFailed, "failed to pop from list in Redis"),
				errors.Fields{"key": key},
			)
		}
		return value, nil
	}

	result, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to pop from list in Redis"),
			errors.Fields{"key": key, "timeout": timeout},
		)
	}
	// key, value
	return []byte(result[1]), nil
}

func (s *RedisListStore) ListLength(ctx context.Context, key string) (int, error) {
	length, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to get list length from Redis"),
			errors.Fields{"key": key},
		)
	}
	return int(length), nil
}
