package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis settings backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address  string
	Password string
	Database int

	// Prefix is prepended to all keys (e.g., "cadflow:settings:")
	Prefix string

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "cadflow:settings:",
		Timeout: 5 * time.Second,
	}
}

// RedisBackend keeps one hash per section, shared by every process pointed
// at the same server. The set <prefix>sections lists the hashes.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects to Redis.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key(section string) string {
	return b.cfg.Prefix + section
}

func (b *RedisBackend) indexKey() string {
	return b.cfg.Prefix + "sections"
}

// Load reads every listed section.
func (b *RedisBackend) Load(ctx context.Context) (Sections, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	names, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	cmds := make(map[string]*redis.MapStringStringCmd, len(names))
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, name := range names {
			cmds[name] = p.HGetAll(ctx, b.key(name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read sections: %w", err)
	}

	out := make(Sections, len(names))
	for name, cmd := range cmds {
		if values := cmd.Val(); len(values) > 0 {
			out[name] = values
		}
	}
	return out, nil
}

// Save replaces the stored sections in one transaction.
func (b *RedisBackend) Save(ctx context.Context, s Sections) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	old, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("list sections: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, name := range old {
			p.Del(ctx, b.key(name))
		}
		p.Del(ctx, b.indexKey())
		for _, name := range s.Keys() {
			values := s[name]
			if len(values) == 0 {
				continue
			}
			fields := make(map[string]any, len(values))
			for k, v := range values {
				fields[k] = v
			}
			p.HSet(ctx, b.key(name), fields)
			p.SAdd(ctx, b.indexKey(), name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write sections: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
