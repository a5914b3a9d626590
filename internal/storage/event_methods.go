package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/models"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO event_logs (
			id, created_at, run_id, kind, level, subject, sim_time, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.RunID, string(event.Kind),
		string(event.Level), event.Subject, int64(event.At), event.Data,
	)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// eventLogWhere builds the WHERE clause for filters, numbering placeholders
// from $1.
func eventLogWhere(filters EventLogFilters) (string, []interface{}) {
	where := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}

	if filters.RunID != nil {
		add("run_id = $%d", *filters.RunID)
	}
	if filters.Kind != nil {
		add("kind = $%d", string(*filters.Kind))
	}
	if filters.Level != nil {
		add("level = $%d", string(*filters.Level))
	}
	if filters.Subject != "" {
		add("subject = $%d", filters.Subject)
	}
	if filters.From != nil {
		add("sim_time >= $%d", int64(*filters.From))
	}
	if filters.To != nil {
		add("sim_time <= $%d", int64(*filters.To))
	}
	return where, args
}

// ListEventLogs lists event logs with filters, in simulation time order
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where, args := eventLogWhere(filters)

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count event logs: %w", err)
	}

	query := "SELECT id, created_at, run_id, kind, level, subject, sim_time, data FROM event_logs" + where +
		fmt.Sprintf(" ORDER BY sim_time, created_at LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list event logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var kind, level string
		var at int64
		if err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.RunID, &kind,
			&level, &event.Subject, &at, &event.Data,
		); err != nil {
			return nil, 0, err
		}
		event.Kind = events.Kind(kind)
		event.Level = models.EventLevel(level)
		event.At = time.Duration(at)
		logs = append(logs, event)
	}
	return logs, count, rows.Err()
}
