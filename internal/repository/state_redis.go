package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStateRepository stores the snapshot under a single Redis key, for
// deployments where tracking should survive the local filesystem.
type RedisStateRepository struct {
	client *redis.Client
	key    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

func NewRedisStateRepository(ctx context.Context, config RedisConfig) (*RedisStateRepository, error) {
	if config.Key == "" {
		config.Key = "qgen:generation_task"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStateRepository{client: client, key: config.Key}, nil
}

func (r *RedisStateRepository) Load(ctx context.Context) ([]byte, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get state key: %w", err)
	}
	return payload, nil
}

func (r *RedisStateRepository) Save(ctx context.Context, payload []byte) error {
	if err := r.client.Set(ctx, r.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("set state key: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("del state key: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) Close() error {
	return r.client.Close()
}
