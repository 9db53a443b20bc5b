package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// StateKeyEngine is the engine_state row the store snapshot lives
// under.
const StateKeyEngine = "engine"

// ConfigKeyTuning is the bot_config row operator-tuned entry and risk
// settings live under. They survive restarts and beat the file config.
const ConfigKeyTuning = "tuning"

// SaveEngineState upserts a state snapshot. Called by the autosave
// loop as the durable fallback behind the Redis cache.
func (db *DB) SaveEngineState(ctx context.Context, key string, snapshot []byte) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO engine_state (key, snapshot, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		key, snapshot, time.Now())
	return err
}

// LoadEngineState returns the stored snapshot and its write time. A
// missing row returns nil bytes; the caller starts cold.
func (db *DB) LoadEngineState(ctx context.Context, key string) ([]byte, time.Time, error) {
	var snapshot []byte
	var updatedAt time.Time
	err := db.Pool.QueryRow(ctx,
		`SELECT snapshot, updated_at FROM engine_state WHERE key = $1`, key).
		Scan(&snapshot, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return snapshot, updatedAt, nil
}

// SaveConfig upserts one runtime config section set through the ops
// API, so an operator tweak survives a restart.
func (db *DB) SaveConfig(ctx context.Context, key string, value json.RawMessage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO bot_config (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		key, value, time.Now())
	return err
}

// LoadConfig returns one stored config section. A missing row returns
// nil; the caller uses file and env defaults.
func (db *DB) LoadConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := db.Pool.QueryRow(ctx,
		`SELECT value FROM bot_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
