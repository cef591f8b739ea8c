package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const sqliteTimeFormat = "2006-01-02 15:04:05"

// RequestLogEntry is one completed (or failed) proxy request.
type RequestLogEntry struct {
	ID             int64
	RequestID      string
	Tier           string
	Strategy       string
	EndpointName   string
	ModelRequested string
	TaskType       string
	Importance     string
	InputTokens    int64
	OutputTokens   int64
	LatencyMs      int64
	StatusCode     int
	Success        bool
	Stream         bool
	CreatedAt      time.Time
}

// TierStats aggregates the audit log per tier.
type TierStats struct {
	Tier         string  `json:"tier"`
	Requests     int64   `json:"requests"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// RequestLogRepository persists and queries the request audit log.
type RequestLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestLogRepository creates a repository over an opened database.
func NewRequestLogRepository(db *sql.DB, logger *zap.Logger) *RequestLogRepository {
	return &RequestLogRepository{db: db, logger: logger}
}

// Insert appends one entry to the audit log.
func (r *RequestLogRepository) Insert(ctx context.Context, entry *RequestLogEntry) (int64, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO request_log (
			request_id, tier, strategy, endpoint_name, model_requested,
			task_type, importance, input_tokens, output_tokens,
			latency_ms, status_code, success, stream, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Tier, entry.Strategy, entry.EndpointName, entry.ModelRequested,
		entry.TaskType, entry.Importance, entry.InputTokens, entry.OutputTokens,
		entry.LatencyMs, entry.StatusCode, boolToInt(entry.Success), boolToInt(entry.Stream),
		createdAt.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to insert request log: %w", err)
	}
	return result.LastInsertId()
}

// List returns entries newest first, optionally filtered by tier.
func (r *RequestLogRepository) List(ctx context.Context, limit, offset int, tier string) ([]*RequestLogEntry, int64, error) {
	conditions := []string{"1=1"}
	var params []any
	if tier != "" {
		conditions = append(conditions, "tier = ?")
		params = append(params, tier)
	}
	whereSQL := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM request_log WHERE %s`, whereSQL)
	if err := r.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count request logs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, request_id, tier, strategy, endpoint_name, model_requested,
			task_type, importance, input_tokens, output_tokens,
			latency_ms, status_code, success, stream, created_at
		FROM request_log
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereSQL)
	params = append(params, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*RequestLogEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// Stats aggregates request counts, success rate and latency per tier.
func (r *RequestLogRepository) Stats(ctx context.Context) ([]TierStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tier,
			COUNT(*) AS requests,
			CASE WHEN COUNT(*) > 0
				THEN SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*)
				ELSE 0
			END AS success_rate,
			COALESCE(AVG(latency_ms), 0) AS avg_latency
		FROM request_log
		GROUP BY tier
		ORDER BY tier
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate request logs: %w", err)
	}
	defer rows.Close()

	var stats []TierStats
	for rows.Next() {
		var s TierStats
		if err := rows.Scan(&s.Tier, &s.Requests, &s.SuccessRate, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan tier stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Purge deletes entries older than the cutoff and reports how many went.
func (r *RequestLogRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE created_at < ?`,
		olderThan.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to purge request logs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("purged request log entries", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func scanEntry(rows *sql.Rows) (*RequestLogEntry, error) {
	var entry RequestLogEntry
	var success, stream int
	var createdAt string
	if err := rows.Scan(
		&entry.ID, &entry.RequestID, &entry.Tier, &entry.Strategy,
		&entry.EndpointName, &entry.ModelRequested, &entry.TaskType, &entry.Importance,
		&entry.InputTokens, &entry.OutputTokens,
		&entry.LatencyMs, &entry.StatusCode, &success, &stream, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan request log: %w", err)
	}
	entry.Success = success == 1
	entry.Stream = stream == 1
	entry.CreatedAt = parseSQLiteTime(createdAt)
	return &entry, nil
}

// parseSQLiteTime tries the formats SQLite commonly stores.
func parseSQLiteTime(s string) time.Time {
	formats := []string{
		sqliteTimeFormat,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		time.RFC3339,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
