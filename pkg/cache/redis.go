// Package cache 提供 Redis 客户端封装与基于 SET NX 的单实例租约
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

// ErrLeaseHeld 租约已被其他实例持有
var ErrLeaseHeld = errors.New("lease is held by another instance")

// Config Redis 配置
type Config struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// Addr 地址
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisCache Redis 缓存实现
type RedisCache struct {
	client redis.UniversalClient
}

// New 创建 Redis 缓存实例并检查连通性
func New(ctx context.Context, cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxPoolSize,
		DialTimeout:     time.Duration(cfg.ConnTimeout) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnTimeout) * time.Second,
		ReadTimeout:     time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info(ctx, "Redis connected successfully", "addr", cfg.Addr())
	return &RedisCache{client: client}, nil
}

// NewFromClient 包装已有客户端
func NewFromClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// GetJSON 获取 JSON 格式的缓存值，key 不存在时返回 false
func (rc *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		logger.Error(ctx, "Redis Get failed", "key", key, "error", err)
		return false, err
	}
	return true, json.Unmarshal(val, dest)
}

// SetJSON 设置 JSON 格式的缓存值
func (rc *RedisCache) SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := rc.client.Set(ctx, key, data, expiration).Err(); err != nil {
		logger.Error(ctx, "Redis Set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Close 关闭连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Client 底层客户端
func (rc *RedisCache) Client() redis.UniversalClient {
	return rc.client
}

// 仅当值仍属于本实例时续期/删除
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease 一个市场同一时刻只允许一个引擎实例写入
type Lease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// AcquireLease 尝试获取租约，已被占用时返回 ErrLeaseHeld
func (rc *RedisCache) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	ok, err := rc.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		holder, _ := rc.client.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w: %s held by %s", ErrLeaseHeld, key, holder)
	}
	return &Lease{client: rc.client, key: key, owner: owner, ttl: ttl}, nil
}

// Refresh 续期，租约已丢失时返回 ErrLeaseHeld
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s lost", ErrLeaseHeld, l.key)
	}
	return nil
}

// Keep 按 ttl/3 周期续期直到 ctx 取消，续期失败即返回错误
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Release 释放租约
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}
