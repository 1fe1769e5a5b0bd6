package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ObjectPrefix is the Redis key prefix for stored objects.
const ObjectPrefix = "object:"

// RedisStore keeps objects under object:<bucket>:<path>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func objectKey(bucket, path string) string {
	return ObjectPrefix + bucket + ":" + path
}

// Download implements Store.
func (s *RedisStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	if err := checkObject(bucket, path); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, objectKey(bucket, path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("storage: download: %w", ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	return data, nil
}

// Upload implements Store. Content type and cache control are not retained.
func (s *RedisStore) Upload(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) error {
	if err := checkObject(bucket, path); err != nil {
		return err
	}
	key := objectKey(bucket, path)
	if opts.Upsert {
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("storage: upload: %w", err)
		}
		return nil
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("storage: upload: %w", err)
	}
	if !ok {
		return fmt.Errorf("storage: upload: %w", ErrObjectExists)
	}
	return nil
}
