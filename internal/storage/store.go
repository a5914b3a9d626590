package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Run summary methods
	SaveRunSummary(ctx context.Context, run *models.RunSummary) error
	GetRunSummary(ctx context.Context, id uuid.UUID) (*models.RunSummary, error)
	ListRunSummaries(ctx context.Context, limit, offset int) ([]*models.RunSummary, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	RunID   *uuid.UUID
	Kind    *events.Kind
	Level   *models.EventLevel
	Subject string
	// Sim time bounds, inclusive.
	From *time.Duration
	To   *time.Duration
}

func (f EventLogFilters) match(e *models.EventLog) bool {
	switch {
	case f.RunID != nil && e.RunID != *f.RunID:
		return false
	case f.Kind != nil && e.Kind != *f.Kind:
		return false
	case f.Level != nil && e.Level != *f.Level:
		return false
	case f.Subject != "" && e.Subject != f.Subject:
		return false
	case f.From != nil && e.At < *f.From:
		return false
	case f.To != nil && e.At > *f.To:
		return false
	}
	return true
}
