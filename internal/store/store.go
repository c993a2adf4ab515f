// Package store provides the execution journal.
package store

import (
	"context"
	"time"

	"terminal-trader/internal/models"
)

// Journal persists placement attempts and their execution traces.
type Journal interface {
	SaveExecution(ctx context.Context, rec models.ExecutionRecord) error
	RecentExecutions(ctx context.Context, filter ExecutionFilter) ([]models.ExecutionRecord, error)
	ExecutionLogs(ctx context.Context, id string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ExecutionFilter narrows a journal query.
type ExecutionFilter struct {
	Symbol  string
	Backend string
	Outcome string
	Since   time.Time
	Limit   int
}
