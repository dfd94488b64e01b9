package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheConfig 描述 Redis 凭证缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisCache 使用 Redis 保存凭证缓存，条目的 TTL 与凭证有效期对齐。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建 Redis 凭证缓存实例。
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentpay:credential:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get 返回指定地址的凭证。
func (r *RedisCache) Get(ctx context.Context, address string) (*Credential, error) {
	payload, err := r.client.Get(ctx, r.prefix+address).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("读取凭证缓存失败: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return nil, fmt.Errorf("解析凭证缓存失败: %w", err)
	}
	if !cred.Valid(time.Now()) {
		return nil, ErrCacheMiss
	}
	return &cred, nil
}

// Put 写入凭证，TTL 设为凭证剩余有效期。
func (r *RedisCache) Put(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.Subject == "" {
		return errors.New("凭证主体不能为空")
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("序列化凭证失败: %w", err)
	}
	ttl := time.Until(cred.ExpiresAt)
	if ttl <= 0 {
		return errors.New("不能缓存已过期的凭证")
	}
	if err := r.client.Set(ctx, r.prefix+cred.Subject, payload, ttl).Err(); err != nil {
		return fmt.Errorf("写入凭证缓存失败: %w", err)
	}
	return nil
}

// Delete 移除凭证条目。
func (r *RedisCache) Delete(ctx context.Context, address string) error {
	if err := r.client.Del(ctx, r.prefix+address).Err(); err != nil {
		return fmt.Errorf("删除凭证缓存失败: %w", err)
	}
	return nil
}

// Close 释放 Redis 连接。
func (r *RedisCache) Close() error {
	return r.client.Close()
}

var _ Cache = (*RedisCache)(nil)
