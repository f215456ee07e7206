package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"coursecast-live/internal/models"
)

// RedisConfig configures the Redis-backed projection.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

// RedisProjection stores the entitlement map in Redis, one JSON value per
// user. The caller is responsible for ensuring the instance is reachable.
type RedisProjection struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisProjection constructs a projection over a fresh Redis client.
func NewRedisProjection(cfg RedisConfig) (*RedisProjection, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "coursecast:entitlement:"
	}
	return &RedisProjection{client: client, prefix: prefix}, nil
}

// Ping verifies the Redis connection, used by the health endpoint.
func (p *RedisProjection) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (p *RedisProjection) Close() error {
	return p.client.Close()
}

func (p *RedisProjection) key(userID string) string {
	return p.prefix + userID
}

func (p *RedisProjection) Get(ctx context.Context, userID string) (models.Entitlement, bool, error) {
	payload, err := p.client.Get(ctx, p.key(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return models.Entitlement{}, false, nil
		}
		return models.Entitlement{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entitlement models.Entitlement
	if err := json.Unmarshal(payload, &entitlement); err != nil {
		return models.Entitlement{}, false, fmt.Errorf("decode entitlement: %w", err)
	}
	return entitlement, true, nil
}

func (p *RedisProjection) Put(ctx context.Context, entitlement models.Entitlement) error {
	payload, err := json.Marshal(entitlement)
	if err != nil {
		return fmt.Errorf("encode entitlement: %w", err)
	}
	if err := p.client.Set(ctx, p.key(entitlement.UserID), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (p *RedisProjection) Delete(ctx context.Context, userID string) error {
	if err := p.client.Del(ctx, p.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ Projection = (*RedisProjection)(nil)
