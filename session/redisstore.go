package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisOutgoingPrefix = "sd:outgoing:"
	redisOutgoingIndex  = "sd:outgoing:index"
)

// RedisStore is a Redis-backed Store holding one outgoing-counter record
// per remote peer. Several daemons may point at the same RedisStore; each
// Storage reads the records only when it is constructed and then writes
// its own counters back, so concurrent daemons are not coordinated and can
// overwrite each other's records.
type RedisStore struct {
	client *redis.Client
	mu     sync.RWMutex
	closed bool
	ttl    time.Duration
}

// RedisStoreConfig configures the Redis store.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Options  *redis.Options
}

// NewRedisStore connects to Redis and returns a Store.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	var client *redis.Client
	if config.Options != nil {
		client = redis.NewClient(config.Options)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: config.TTL}, nil
}

func redisKey(peer string) string {
	return redisOutgoingPrefix + peer
}

func (r *RedisStore) SaveOutgoing(ctx context.Context, rec Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrStoreClosed
	}
	r.mu.RUnlock()

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: marshal record: %w", err)
	}

	pipe := r.client.Pipeline()
	if r.ttl > 0 {
		pipe.Set(ctx, redisKey(rec.Peer), value, r.ttl)
	} else {
		pipe.Set(ctx, redisKey(rec.Peer), value, 0)
	}
	pipe.SAdd(ctx, redisOutgoingIndex, rec.Peer)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save record: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadOutgoing(ctx context.Context, peer string) (Record, error) {
	if ctx.Err() != nil {
		return Record{}, ctx.Err()
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return Record{}, ErrStoreClosed
	}
	r.mu.RUnlock()

	value, err := r.client.Get(ctx, redisKey(peer)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("session: load record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *RedisStore) ListOutgoing(ctx context.Context) ([]Record, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	r.mu.RUnlock()

	peers, err := r.client.SMembers(ctx, redisOutgoingIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list index: %w", err)
	}

	recs := make([]Record, 0, len(peers))
	for _, peer := range peers {
		rec, err := r.LoadOutgoing(ctx, peer)
		if err == ErrRecordNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}
	r.closed = true
	return r.client.Close()
}
