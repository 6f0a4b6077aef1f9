package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Log(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO request_log (user_id, request_id, provider, model, task_type, input_tokens, output_tokens, latency_ms, status_code, error_class)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		entry.UserID, entry.RequestID, entry.Provider, entry.Model, entry.TaskType,
		entry.InputTokens, entry.OutputTokens, entry.LatencyMs, entry.StatusCode, entry.ErrorClass,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log request: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByUser(ctx context.Context, userID string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT id, user_id, request_id, provider, model, task_type, input_tokens, output_tokens, latency_ms, status_code, error_class, created_at
		FROM request_log
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query request log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.UserID, &e.RequestID, &e.Provider, &e.Model, &e.TaskType,
			&e.InputTokens, &e.OutputTokens, &e.LatencyMs, &e.StatusCode, &e.ErrorClass, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request log row: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request log: %w", err)
	}
	return entries, nil
}
