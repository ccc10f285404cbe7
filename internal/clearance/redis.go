package clearance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/types"
)

// keyPrefix namespaces clearance keys so the store can share a Redis
// instance with other consumers.
const keyPrefix = "titan:session:"

// RedisStore keeps clearances in Redis so multiple instances share the
// same cache. Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, types.NewInfraError("session-store", err)
	}
	log.Info().Str("addr", addr).Int("db", db).Msg("Redis clearance store connected")
	return &RedisStore{client: client}, nil
}

// Get returns the clearance for domain, or (nil, nil) when absent. A
// key past its TTL is already gone on the server side.
func (r *RedisStore) Get(ctx context.Context, domain string) (*types.Session, error) {
	data, err := r.client.Get(ctx, keyPrefix+domain).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewInfraError("session-store", err)
	}

	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt entry is unrecoverable; drop it and report a miss.
		log.Warn().Err(err).Str("domain", domain).Msg("Dropping corrupt clearance entry")
		r.client.Del(ctx, keyPrefix+domain)
		return nil, nil
	}
	if !s.Valid(time.Now()) {
		return nil, nil
	}
	return &s, nil
}

// Put stores the clearance with a TTL matching its expiry.
func (r *RedisStore) Put(ctx context.Context, s *types.Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+s.Domain, data, ttl).Err(); err != nil {
		return types.NewInfraError("session-store", err)
	}
	return nil
}

// Delete removes the clearance for domain.
func (r *RedisStore) Delete(ctx context.Context, domain string) error {
	if err := r.client.Del(ctx, keyPrefix+domain).Err(); err != nil {
		return types.NewInfraError("session-store", err)
	}
	return nil
}

// Count returns the number of stored clearances via a cursor scan.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return 0, types.NewInfraError("session-store", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
