// Package throttle provides a duplicate-notification suppression
// window. The dispatcher consults it before fanning out so repeated
// triggers within the window do not spam stakeholders.
package throttle

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window decides whether a dispatch key has been seen within the
// suppression window. FirstSeen marks the key and reports whether this
// call was the first observation.
type Window interface {
	FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error)
}

// RedisConfig holds Redis connection settings for the shared window.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int           `yaml:"db" json:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
}

// RedisWindow is a Redis-backed suppression window shared across
// service replicas.
type RedisWindow struct {
	client *redis.Client
	prefix string
}

// NewRedisWindow creates a Redis-backed window and verifies the
// connection.
func NewRedisWindow(cfg RedisConfig) (*RedisWindow, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "regcomms:throttle:"
	}
	return &RedisWindow{client: client, prefix: prefix}, nil
}

// FirstSeen marks the key with the window TTL. SET NX makes the
// mark-and-check atomic across replicas.
func (r *RedisWindow) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("throttle check failed: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection.
func (r *RedisWindow) Close() error {
	return r.client.Close()
}

// MemoryWindow is an in-process window for tests and single-node
// deployments.
type MemoryWindow struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryWindow creates an in-memory window.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// FirstSeen reports whether the key is new within the window.
func (m *MemoryWindow) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.seen[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	m.seen[key] = now

	// Opportunistic cleanup of expired entries.
	for k, t := range m.seen {
		if now.Sub(t) >= 2*window {
			delete(m.seen, k)
		}
	}
	return true, nil
}
