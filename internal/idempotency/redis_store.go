package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "yieldlock:idempotency:"

// RedisStore shares records across instances. Expiry is delegated to the
// key TTL.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ""), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	blob, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// Reserve claims the key with SET NX so only one instance runs the request.
func (r *RedisStore) Reserve(ctx context.Context, key, hash string, ttl time.Duration) (*Record, error) {
	blob, err := json.Marshal(reservation(hash, time.Now(), ttl))
	if err != nil {
		return nil, fmt.Errorf("encode idempotency reservation: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, blob, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}
	existing, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return inFlight(hash), nil
	}
	return existing, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, blob, ttl).Err(); err != nil {
		return fmt.Errorf("write idempotency record: %w", err)
	}
	return nil
}

// Release deletes the key only while it still holds this request's
// reservation. A concurrent Save wins the WATCH race.
func (r *RedisStore) Release(ctx context.Context, key, hash string) error {
	k := r.keyPrefix + key
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		blob, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			return err
		}
		if !rec.Pending() || !rec.Matches(hash) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
