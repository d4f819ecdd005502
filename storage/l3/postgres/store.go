// Package postgres implements l3.PersistentStorage against a PostgreSQL
// table, grounded on invalidation/audit.go's AuditLogger: raw SQL over
// github.com/jackc/pgx/v5, schema provisioned with CREATE TABLE IF NOT
// EXISTS plus one index per query pattern.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a PostgreSQL-backed l3.PersistentStorage. NewStore provisions
// its schema the same way AuditLogger.ensureSchema does.
type Store struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewStore wraps pool and ensures the backing table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, tableName string) (*Store, error) {
	if tableName == "" {
		tableName = "cache_entries"
	}
	s := &Store{pool: pool, tableName: tableName}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize cache entry schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key TEXT PRIMARY KEY,
			bytes BYTEA NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_expires_at
		ON %[1]s(expires_at);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_tags
		ON %[1]s USING GIN(tags);
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Get returns the value and tags for key, or found=false if absent or
// lazily expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, []string, bool, error) {
	query := fmt.Sprintf(`
		SELECT bytes, tags FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, s.tableName)

	var value []byte
	var tags []string
	err := s.pool.QueryRow(ctx, query, key).Scan(&value, &tags)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("postgres: get %q: %w", key, err)
	}
	return value, tags, true, nil
}

// Set upserts key's value, tags and expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	if tags == nil {
		tags = []string{}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, bytes, tags, created_at, expires_at)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (key) DO UPDATE SET
			bytes = EXCLUDED.bytes,
			tags = EXCLUDED.tags,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query, key, value, tags, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.tableName)
	_, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return fmt.Errorf("postgres: delete %q: %w", key, err)
	}
	return nil
}

// DeleteByTag removes every row tagged with tag, returning the deleted keys.
func (s *Store) DeleteByTag(ctx context.Context, tag string) ([]string, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE $1 = ANY(tags) RETURNING key`, s.tableName)
	rows, err := s.pool.Query(ctx, query, tag)
	if err != nil {
		return nil, fmt.Errorf("postgres: delete by tag %q: %w", tag, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres: scan deleted key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Health pings the pool.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CleanupExpired deletes rows past their expiry, for periodic maintenance
// (mirrors AuditLogger.Cleanup's age-based purge, applied to expires_at
// instead of created_at).
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()`, s.tableName)
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
