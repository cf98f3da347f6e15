package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resultKeyPrefix   = "settle:result:"
	inFlightKeyPrefix = "settle:inflight:"

	// inFlightTTL bounds how long a crashed worker can block retries of
	// the same submission.
	inFlightTTL = 2 * time.Minute

	pollInterval = 100 * time.Millisecond
)

// RedisStore shares the dedup window across bank instances. The in-flight
// marker is a SET NX key with a short TTL; waiters poll for the result
// instead of blocking on a channel, since the completing request may live
// in another process.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store over client. The TTL applies to cached
// results, as with MemoryStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (Status, []byte, chan struct{}, error) {
	result, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if err == nil {
		return StatusCached, result, nil, nil
	}
	if !errors.Is(err, redis.Nil) {
		return StatusNotFound, nil, nil, err
	}

	ok, err := s.client.SetNX(ctx, inFlightKeyPrefix+key, "1", inFlightTTL).Result()
	if err != nil {
		return StatusNotFound, nil, nil, err
	}
	done := make(chan struct{})
	if !ok {
		return StatusInFlight, nil, done, nil
	}
	return StatusNotFound, nil, done, nil
}

func (s *RedisStore) WaitForResult(ctx context.Context, key string, _ chan struct{}) ([]byte, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			result, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
			if err == nil {
				return result, nil
			}
			if !errors.Is(err, redis.Nil) {
				return nil, err
			}
			inFlight, err := s.client.Exists(ctx, inFlightKeyPrefix+key).Result()
			if err != nil {
				return nil, err
			}
			if inFlight == 0 {
				// The other request failed without caching; retry.
				return nil, nil
			}
		}
	}
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte, done chan struct{}) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKeyPrefix+key, result, s.ttl)
	pipe.Del(ctx, inFlightKeyPrefix+key)
	_, err := pipe.Exec(ctx)
	close(done)
	return err
}

func (s *RedisStore) Fail(ctx context.Context, key string, done chan struct{}) error {
	err := s.client.Del(ctx, inFlightKeyPrefix+key).Err()
	close(done)
	return err
}

var _ Store = (*RedisStore)(nil)
