package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/agpool/agpool/internal/account"
)

// RedisStore persists the pool as a JSON blob under one key. Useful when
// several gateway instances share an account pool.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and verifies reachability.
func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load reads the state key. A missing key is an empty pool.
func (r *RedisStore) Load(ctx context.Context) (account.State, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return account.State{}, nil
		}
		return account.State{}, fmt.Errorf("redis get: %w", err)
	}
	var state account.State
	if err := json.Unmarshal(data, &state); err != nil {
		return account.State{}, fmt.Errorf("decode redis state: %w", err)
	}
	return state, nil
}

// Save overwrites the state key.
func (r *RedisStore) Save(ctx context.Context, state account.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
