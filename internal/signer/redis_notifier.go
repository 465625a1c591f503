package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifierConfig 描述 Redis 通知器的连接参数。
type RedisNotifierConfig struct {
	Address  string
	Password string
	DB       int
	Queue    string
}

// RedisNotifier 把终结事件以 JSON 形式 LPUSH 到 Redis list，
// 下游用 BRPOP 消费。
type RedisNotifier struct {
	client *redis.Client
	queue  string
}

// NewRedisNotifier 创建 Redis 通知器实例。
func NewRedisNotifier(cfg RedisNotifierConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "parallelsigner:finalized"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisNotifier{client: client, queue: queue}, nil
}

// Publish 将终结事件投递到 Redis。
func (n *RedisNotifier) Publish(ctx context.Context, event FinalizedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码终结事件失败: %w", err)
	}
	if err := n.client.LPush(ctx, n.queue, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布终结事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
