// Package audit records one row per gateway request for operator
// troubleshooting. Writes are fire-and-forget; the ledger, not this trail,
// is the source of truth for quotas.
package audit

import (
	"context"
	"time"
)

// Entry is one completed (or failed) gateway request.
type Entry struct {
	ID           string
	UserID       string
	RequestID    string
	Provider     string
	Model        string
	TaskType     string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	StatusCode   int
	ErrorClass   string
	CreatedAt    time.Time
}

type Store interface {
	Log(ctx context.Context, entry *Entry) error
	ByUser(ctx context.Context, userID string, from, to time.Time) ([]*Entry, error)
}
