package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// DeliveryGuard помнит уже обработанные уведомления, чтобы не обращаться к хранилищу
// повторно. Идемпотентность подтверждения от него не зависит: при потере отметки
// повторное уведомление просто пройдёт полный путь.
type DeliveryGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryDeliveryGuard хранит отметки в LRU-кэше процесса.
type MemoryDeliveryGuard struct {
	cache *lru.Cache[string, time.Time]
}

// NewMemoryDeliveryGuard создаёт guard на size последних уведомлений.
func NewMemoryDeliveryGuard(size int) (*MemoryDeliveryGuard, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("create delivery cache: %w", err)
	}
	return &MemoryDeliveryGuard{cache: cache}, nil
}

func (g *MemoryDeliveryGuard) Seen(_ context.Context, key string) (bool, error) {
	return g.cache.Contains(key), nil
}

func (g *MemoryDeliveryGuard) Mark(_ context.Context, key string) error {
	g.cache.Add(key, time.Now())
	return nil
}

// RedisDeliveryGuard хранит отметки в Redis с ограниченным временем жизни и
// разделяет их между экземплярами сервиса.
type RedisDeliveryGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDeliveryGuard создаёт guard поверх клиента Redis.
func NewRedisDeliveryGuard(rdb *redis.Client, ttl time.Duration) *RedisDeliveryGuard {
	return &RedisDeliveryGuard{rdb: rdb, ttl: ttl}
}

func deliveryKey(key string) string {
	return "metroshop:payment:delivery:" + key
}

func (g *RedisDeliveryGuard) Seen(ctx context.Context, key string) (bool, error) {
	_, err := g.rdb.Get(ctx, deliveryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get delivery: %w", err)
	}
	return true, nil
}

func (g *RedisDeliveryGuard) Mark(ctx context.Context, key string) error {
	if err := g.rdb.SetNX(ctx, deliveryKey(key), time.Now().Unix(), g.ttl).Err(); err != nil {
		return fmt.Errorf("redis mark delivery: %w", err)
	}
	return nil
}
