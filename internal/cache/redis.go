package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache 提供基于 Redis 的快路径缓存：重复检测与任务快照。
// 所有方法在实例为 nil 时直接返回未命中，调用方无需判空。
type Cache struct {
	client *redis.Client
}

// New 连接 Redis 并做一次探活。
func New(ctx context.Context, addr, password string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

func dedupKey(ownerID, filename string, sizeBytes int64) string {
	return fmt.Sprintf("dedup:%s:%s:%d", ownerID, filename, sizeBytes)
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// GetDuplicate 返回缓存的重复文件 id；未命中返回空串。
func (c *Cache) GetDuplicate(ctx context.Context, ownerID, filename string, sizeBytes int64) (string, error) {
	if c == nil || c.client == nil {
		return "", nil
	}

	value, err := c.client.Get(ctx, dedupKey(ownerID, filename, sizeBytes)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get dedup key: %w", err)
	}
	return value, nil
}

// SetDuplicate 记录一条重复检测命中，带 TTL。
func (c *Cache) SetDuplicate(ctx context.Context, ownerID, filename string, sizeBytes int64, fileID string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, dedupKey(ownerID, filename, sizeBytes), fileID, ttl).Err()
}

// InvalidateDuplicate 在文件删除后清除对应的重复检测缓存。
func (c *Cache) InvalidateDuplicate(ctx context.Context, ownerID, filename string, sizeBytes int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, dedupKey(ownerID, filename, sizeBytes)).Err()
}

// GetJob 返回缓存的任务快照（序列化后的记录）；未命中返回空串。
func (c *Cache) GetJob(ctx context.Context, jobID string) (string, error) {
	if c == nil || c.client == nil {
		return "", nil
	}

	value, err := c.client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get job snapshot: %w", err)
	}
	return value, nil
}

// SetJob 缓存任务快照，带 TTL。
func (c *Cache) SetJob(ctx context.Context, jobID, snapshot string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, jobKey(jobID), snapshot, ttl).Err()
}

// Close 释放底层连接。
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
