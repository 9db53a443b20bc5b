// Package cache mirrors the engine state snapshot in Redis so a crashed
// engine can rehydrate in milliseconds. Redis going away must never
// stop trading: every write lands in an in-memory copy first and the
// Redis leg degrades to best-effort until the connection recovers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	snapshotKey  = "tradeengine:state:snapshot"
	savedAtKey   = "tradeengine:state:saved_at"
	heartbeatKey = "tradeengine:heartbeats"

	// snapshotTTL keeps a stale snapshot across a weekend but not
	// much longer; day rollover discards old counters on restore
	// anyway.
	snapshotTTL = 72 * time.Hour
)

// Config holds Redis connection settings.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SnapshotCache stores the serialized engine state in Redis with an
// in-memory fallback.
type SnapshotCache struct {
	client *redis.Client
	logger zerolog.Logger

	mu         sync.RWMutex
	memData    []byte
	memSavedAt time.Time

	redisAvailable atomic.Bool
}

// New builds the cache. With Enabled false (or an unreachable server)
// it runs memory-only and trading continues.
func New(cfg Config, logger zerolog.Logger) *SnapshotCache {
	c := &SnapshotCache{
		logger: logger.With().Str("component", "cache").Logger(),
	}

	if !cfg.Enabled {
		c.logger.Info().Msg("Redis disabled, snapshot cache is memory-only")
		return c
	}

	c.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory fallback")
		c.redisAvailable.Store(false)
	} else {
		c.logger.Info().Str("addr", cfg.Addr).Msg("Redis connected")
		c.redisAvailable.Store(true)
	}
	return c
}

// Save stores the snapshot. The in-memory copy always succeeds; a
// Redis failure is logged, flips the availability flag and is not an
// error.
func (c *SnapshotCache) Save(ctx context.Context, snapshot []byte) error {
	if len(snapshot) == 0 {
		return errors.New("refusing to save an empty snapshot")
	}
	now := time.Now()

	c.mu.Lock()
	c.memData = append([]byte(nil), snapshot...)
	c.memSavedAt = now
	c.mu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return nil
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, snapshotKey, snapshot, snapshotTTL)
	pipe.Set(ctx, savedAtKey, now.Format(time.RFC3339Nano), snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Snapshot write to Redis failed, in-memory copy kept")
		c.redisAvailable.Store(false)
	}
	return nil
}

// Load returns the freshest snapshot available and when it was saved.
// Missing data returns nil bytes; the caller falls through to the
// database or starts cold.
func (c *SnapshotCache) Load(ctx context.Context) ([]byte, time.Time, error) {
	if c.client != nil && c.redisAvailable.Load() {
		data, err := c.client.Get(ctx, snapshotKey).Bytes()
		switch {
		case err == nil:
			savedAt := time.Time{}
			if raw, err := c.client.Get(ctx, savedAtKey).Result(); err == nil {
				if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
					savedAt = t
				}
			}
			return data, savedAt, nil
		case errors.Is(err, redis.Nil):
			// fall through to the in-memory copy
		default:
			c.logger.Warn().Err(err).Msg("Snapshot read from Redis failed, trying in-memory copy")
			c.redisAvailable.Store(false)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.memData == nil {
		return nil, time.Time{}, nil
	}
	return append([]byte(nil), c.memData...), c.memSavedAt, nil
}

// MirrorHeartbeat copies one component heartbeat into a Redis hash so
// an operator can see loop liveness from outside the process.
// Best-effort only.
func (c *SnapshotCache) MirrorHeartbeat(ctx context.Context, component string, at time.Time) {
	if c.client == nil || !c.redisAvailable.Load() {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, heartbeatKey, component, at.Format(time.RFC3339))
	pipe.Expire(ctx, heartbeatKey, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.redisAvailable.Store(false)
	}
}

// Available reports whether the Redis leg is currently working.
func (c *SnapshotCache) Available() bool {
	return c.client != nil && c.redisAvailable.Load()
}

// HealthCheck pings Redis and, when the connection has just recovered,
// pushes the in-memory snapshot back so Redis catches up with what it
// missed.
func (c *SnapshotCache) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return errors.New("redis not configured")
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.redisAvailable.Store(false)
		return fmt.Errorf("redis ping: %w", err)
	}

	recovered := !c.redisAvailable.Swap(true)
	if recovered {
		c.logger.Info().Msg("Redis connection recovered, syncing snapshot")
		c.mu.RLock()
		data := append([]byte(nil), c.memData...)
		savedAt := c.memSavedAt
		c.mu.RUnlock()
		if len(data) > 0 {
			pipe := c.client.TxPipeline()
			pipe.Set(ctx, snapshotKey, data, snapshotTTL)
			pipe.Set(ctx, savedAtKey, savedAt.Format(time.RFC3339Nano), snapshotTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				c.redisAvailable.Store(false)
				return fmt.Errorf("sync snapshot after recovery: %w", err)
			}
		}
	}
	return nil
}

// Close releases the Redis connection.
func (c *SnapshotCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
