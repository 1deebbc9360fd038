package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/flowstate-io/flowstate/types"
)

const (
	definitionPrefix = "flowstate:definition:"
	instancePrefix   = "flowstate:instance:"
)

// RedisStorage is a Redis-backed Storage implementation. Entities are
// stored as JSON under prefixed keys.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage connects and pings Redis before returning.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client (used by tests).
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) set(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
		return nil
	})
}

func get[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s: %w", key, err)
		}
		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveDefinition stores a definition.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return s.set(ctx, definitionPrefix+def.ID, def)
}

// GetDefinition retrieves a definition.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return get[types.Definition](ctx, s.client, definitionPrefix+id, ErrDefinitionNotFound)
}

// SaveInstance stores an instance snapshot.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return s.set(ctx, instancePrefix+strconv.FormatUint(inst.ID, 10), inst)
}

// GetInstance retrieves an instance.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return get[types.Instance](ctx, s.client, instancePrefix+strconv.FormatUint(id, 10), ErrInstanceNotFound)
}

// ListInstances scans all instance keys and loads them.
func (s *RedisStorage) ListInstances(ctx context.Context) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		var out []types.Instance
		iter := s.client.Scan(ctx, 0, instancePrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			inst, err := get[types.Instance](ctx, s.client, iter.Val(), ErrInstanceNotFound)
			if errors.Is(err, ErrInstanceNotFound) {
				continue // expired between scan and get
			} else if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan instance keys: %w", err)
		}
		return out, nil
	})
}

// PruneTerminal deletes instances with a terminal status, pipelined.
func (s *RedisStorage) PruneTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		iter := s.client.Scan(ctx, 0, instancePrefix+"*", 0).Iterator()
		pipe := s.client.Pipeline()
		for iter.Next(ctx) {
			key := iter.Val()
			inst, err := get[types.Instance](ctx, s.client, key, ErrInstanceNotFound)
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if inst.Status.Terminal() {
				pipe.Del(ctx, key)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan instance keys: %w", err)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute prune pipeline: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
