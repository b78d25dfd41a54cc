package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/co-cddo/ndx-notify/internal/event"
)

// DefaultKeyPrefix namespaces idempotency keys in a shared Redis.
const DefaultKeyPrefix = "ndx-notify:idempotency:"

// RedisStore is a Store backed by Redis, shared by every processor
// instance. Records are msgpack-encoded; TTLs are native key expiry.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(eventID string) string {
	return s.keyPrefix + eventID
}

// Claim implements Store using SET NX with expiry.
func (s *RedisStore) Claim(ctx context.Context, eventID, token string, ttl time.Duration) (bool, *Record, error) {
	data, err := msgpack.Marshal(&Record{
		EventID:   eventID,
		State:     StateInFlight,
		Token:     token,
		ClaimedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, nil, fmt.Errorf("encode claim: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(eventID), data, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis claim %s: %w", eventID, err)
	}
	if ok {
		return true, nil, nil
	}
	rec, err := s.Get(ctx, eventID)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, eventID string, outcome event.Outcome, ttl time.Duration) error {
	data, err := msgpack.Marshal(&Record{
		EventID:   eventID,
		State:     StateCompleted,
		ClaimedAt: time.Now().UTC(),
		Outcome:   &outcome,
	})
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := s.client.Set(ctx, s.key(eventID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis complete %s: %w", eventID, err)
	}
	return nil
}

// Release implements Store. The token check and delete run in one
// optimistic transaction so a marker claimed by another worker after ours
// expired is never removed.
func (s *RedisStore) Release(ctx context.Context, eventID, token string) error {
	key := s.key(eventID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if rec.State != StateInFlight || rec.Token != token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The key changed under us, so the marker is no longer ours.
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis release %s: %w", eventID, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, eventID string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", eventID, err)
	}
	var rec Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", eventID, err)
	}
	return &rec, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
