package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
)

// timeLayout sorts lexically, so created_at comparisons work on the TEXT column.
const timeLayout = "2006-01-02 15:04:05.000"

// AuditEntry is a stored audit record.
type AuditEntry struct {
	ID int64
	core.AuditRecord
}

// ProviderStats summarizes audit rows for one provider/model pair.
type ProviderStats struct {
	Provider     string
	Model        string
	Calls        int
	Failures     int
	AvgLatencyMs int64
	RequestBytes int64
}

// AuditStore implements core.AuditSink on SQLite with automatic cleanup.
type AuditStore struct {
	db         *sql.DB
	mu         sync.Mutex
	maxEntries int // Max rows to keep
	maxAgeDays int // Max age of rows in days
}

var _ core.AuditSink = (*AuditStore)(nil)

// NewAuditStore creates an audit store with default limits.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{
		db:         db.DB,
		maxEntries: 20000,
		maxAgeDays: 14,
	}
}

// WithLimits overrides the retention limits used by Cleanup.
func (s *AuditStore) WithLimits(maxEntries, maxAgeDays int) *AuditStore {
	if maxEntries > 0 {
		s.maxEntries = maxEntries
	}
	if maxAgeDays > 0 {
		s.maxAgeDays = maxAgeDays
	}
	return s
}

// Record writes one audit row.
func (s *AuditStore) Record(ctx context.Context, rec core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	var response, errMsg sql.NullString
	if rec.Response != "" {
		response = sql.NullString{String: rec.Response, Valid: true}
	}
	if rec.Error != "" {
		errMsg = sql.NullString{String: rec.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (created_at, endpoint, provider, model, request, response, execution_time_ms,
			message_count, prompt_tokens_estimate, completion_tokens_estimate, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CreatedAt.UTC().Format(timeLayout), rec.Endpoint, rec.Provider, rec.Model, rec.Request, response,
		rec.ExecutionTime.Milliseconds(), rec.MessageCount, rec.PromptTokensEstimate, rec.CompletionTokensEstimate,
		rec.Success, errMsg,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns the newest rows, optionally filtered by provider.
func (s *AuditStore) Recent(ctx context.Context, provider string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, created_at, endpoint, provider, model, request, response, execution_time_ms,
		message_count, prompt_tokens_estimate, completion_tokens_estimate, success, error
		FROM audit_log WHERE 1=1`
	args := []interface{}{}
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var ms int64
		var response, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Endpoint, &e.Provider, &e.Model, &e.Request, &response, &ms,
			&e.MessageCount, &e.PromptTokensEstimate, &e.CompletionTokensEstimate, &e.Success, &errMsg); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeLayout, ts)
		e.ExecutionTime = time.Duration(ms) * time.Millisecond
		e.Response = response.String
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates call counts, failures and latency per provider/model.
func (s *AuditStore) Stats(ctx context.Context) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, model, COUNT(*), SUM(CASE WHEN success THEN 0 ELSE 1 END),
			CAST(AVG(execution_time_ms) AS INTEGER), SUM(LENGTH(request))
		FROM audit_log GROUP BY provider, model ORDER BY provider, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.Model, &ps.Calls, &ps.Failures, &ps.AvgLatencyMs, &ps.RequestBytes); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// Cleanup removes old rows based on configured limits and returns how many were deleted.
func (s *AuditStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete by age
	cutoff := time.Now().UTC().AddDate(0, 0, -s.maxAgeDays)
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < ?", cutoff.Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("cleanup by age: %w", err)
	}
	byAge, _ := res.RowsAffected()

	// Delete by count (keep only maxEntries)
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY id DESC LIMIT ?
		)
	`, s.maxEntries)
	if err != nil {
		return byAge, fmt.Errorf("cleanup by count: %w", err)
	}
	byCount, _ := res.RowsAffected()
	return byAge + byCount, nil
}

// Count returns the number of audit rows.
func (s *AuditStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&count)
	return count, err
}
