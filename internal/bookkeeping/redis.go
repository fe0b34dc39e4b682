package bookkeeping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 回执队列的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Queue    string
}

// RedisPublisher 使用 Redis list 投递回执，供独立的记账消费者处理。
type RedisPublisher struct {
	client *redis.Client
	queue  string
}

// NewRedisPublisher 创建 Redis 回执队列实例。
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "advisor:receipts"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisPublisher{client: client, queue: queue}, nil
}

// Publish 将回执序列化后投递到 Redis。
func (p *RedisPublisher) Publish(ctx context.Context, receipt Receipt) error {
	encoded, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("序列化回执失败: %w", err)
	}
	if err := p.client.LPush(ctx, p.queue, encoded).Err(); err != nil {
		return fmt.Errorf("Redis 投递回执失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
