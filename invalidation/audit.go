package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents an invalidation event for audit trail and compliance.
type AuditLog struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`      // Pattern or key(s) invalidated
	Keys        []string  `json:"keys"`         // Actual keys invalidated (if known)
	TriggeredBy string    `json:"triggered_by"` // Source: cache_manager, admin, warmer
	Timestamp   time.Time `json:"timestamp"`    // When invalidation occurred
	RequestID   string    `json:"request_id"`   // Correlation ID for tracing
	Latency     int64     `json:"latency"`      // Invalidation latency in milliseconds
}

// AuditStats aggregates invalidation activity since a given point in time.
type AuditStats struct {
	TotalInvalidations  int64            `json:"total_invalidations"`
	BySource            map[string]int64 `json:"by_source"`
	AvgLatency          float64          `json:"avg_latency_ms"`
	TotalKeysAffected   int64            `json:"total_keys_affected"`
	MostFrequentPattern string           `json:"most_frequent_pattern"`
}

// AuditLogger provides persistent storage of invalidation events.
//
// Design decisions:
// - PostgreSQL for ACID compliance and audit integrity
// - Append-only log (no updates/deletes) for immutability
// - Indexed by timestamp for efficient time-range queries
// - JSONB for flexible key storage without schema changes
//
// Adapted onto pgx/pgxpool directly, the same driver storage/l3/postgres.Store
// uses, replacing the encore.dev/storage/sqldb handle the audit logger
// originally held.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new audit logger with a database connection pool.
func NewAuditLogger(ctx context.Context, pool *pgxpool.Pool) (*AuditLogger, error) {
	logger := &AuditLogger{pool: pool}
	if err := logger.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

// ensureSchema creates the audit log table if it doesn't exist.
func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			keys JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
		ON invalidation_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_pattern
		ON invalidation_audit(pattern);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_triggered_by
		ON invalidation_audit(triggered_by);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_request_id
		ON invalidation_audit(request_id);
	`

	_, err := al.pool.Exec(ctx, query)
	return err
}

// Insert adds a new audit log entry.
//
// Complexity: O(1) with index overhead
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}

	query := `
		INSERT INTO invalidation_audit
		(pattern, keys, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = al.pool.Exec(ctx, query,
		log.Pattern,
		keysJSON,
		log.TriggeredBy,
		log.Timestamp,
		log.RequestID,
		log.Latency,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// GetRecent retrieves recent audit logs with pagination.
//
// Complexity: O(limit) with index scan
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error) {
	var rows pgx.Rows
	var err error

	if patternFilter != "" {
		rows, err = al.pool.Query(ctx, `
			SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			WHERE pattern LIKE $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`, "%"+patternFilter+"%", limit, offset)
	} else {
		rows, err = al.pool.Query(ctx, `
			SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows, limit)
}

// GetCount returns the total number of audit logs (optionally filtered by pattern).
func (al *AuditLogger) GetCount(ctx context.Context, patternFilter string) (int, error) {
	var count int
	var err error

	if patternFilter != "" {
		err = al.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invalidation_audit WHERE pattern LIKE $1`, "%"+patternFilter+"%").Scan(&count)
	} else {
		err = al.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invalidation_audit`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return count, nil
}

// GetByRequestID retrieves audit logs by request ID for tracing.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	rows, err := al.pool.Query(ctx, `
		SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by request ID: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows, 0)
}

// GetByTimeRange retrieves audit logs within a time range.
func (al *AuditLogger) GetByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]AuditLog, error) {
	rows, err := al.pool.Query(ctx, `
		SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC
		LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by time range: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows, limit)
}

// GetStats returns aggregated statistics about invalidations since a given time.
func (al *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		BySource: make(map[string]int64),
	}

	err := al.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) as total,
			COALESCE(AVG(latency_ms), 0) as avg_latency
		FROM invalidation_audit
		WHERE timestamp >= $1
	`, since).Scan(&stats.TotalInvalidations, &stats.AvgLatency)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	rows, err := al.pool.Query(ctx, `
		SELECT triggered_by, COUNT(*) as count
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY triggered_by
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get source breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			continue
		}
		stats.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var frequency int64
	err = al.pool.QueryRow(ctx, `
		SELECT pattern, COUNT(*) as frequency
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY pattern
		ORDER BY frequency DESC
		LIMIT 1
	`, since).Scan(&stats.MostFrequentPattern, &frequency)
	if err != nil && err != pgx.ErrNoRows {
		stats.MostFrequentPattern = ""
	}

	return stats, nil
}

// Cleanup removes audit logs older than the specified duration.
// This should be run periodically to prevent unbounded growth, mirroring
// storage/l3/postgres.Store.CleanupExpired.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	tag, err := al.pool.Exec(ctx, `DELETE FROM invalidation_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanAuditLogs(rows pgx.Rows, sizeHint int) ([]AuditLog, error) {
	logs := make([]AuditLog, 0, sizeHint)
	for rows.Next() {
		var log AuditLog
		var keysJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.Pattern,
			&keysJSON,
			&log.TriggeredBy,
			&log.Timestamp,
			&log.RequestID,
			&log.Latency,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
				log.Keys = []string{}
			}
		}

		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}
