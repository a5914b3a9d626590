package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lorawan-server/lorawan-classb/internal/models"
)

// SaveRunSummary inserts or replaces a run summary
func (s *PostgresStore) SaveRunSummary(ctx context.Context, run *models.RunSummary) error {
	if run.ID == uuid.Nil {
		return fmt.Errorf("save run summary: missing id: %w", ErrInvalidData)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO run_summaries (
			id, created_at, name, seed, band, started_at, finished_at,
			simulated_time, gateways, devices, beacons_broadcast,
			beacons_blocked, multicast_sent, unicast_sent, details
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			simulated_time = EXCLUDED.simulated_time,
			beacons_broadcast = EXCLUDED.beacons_broadcast,
			beacons_blocked = EXCLUDED.beacons_blocked,
			multicast_sent = EXCLUDED.multicast_sent,
			unicast_sent = EXCLUDED.unicast_sent,
			details = EXCLUDED.details`

	_, err := s.getDB().ExecContext(ctx, query,
		run.ID, run.CreatedAt, run.Name, run.Seed, run.Band, run.StartedAt,
		run.FinishedAt, int64(run.SimulatedTime), pq.Array(run.Gateways), run.Devices,
		int64(run.BeaconsBroadcast), int64(run.BeaconsBlocked),
		int64(run.MulticastSent), int64(run.UnicastSent), run.Details,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

const runColumns = `id, created_at, name, seed, band, started_at, finished_at,
	simulated_time, gateways, devices, beacons_broadcast, beacons_blocked,
	multicast_sent, unicast_sent, details`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunSummary(row rowScanner) (*models.RunSummary, error) {
	run := &models.RunSummary{}
	var simulated, broadcast, blocked, multicast, unicast int64
	err := row.Scan(
		&run.ID, &run.CreatedAt, &run.Name, &run.Seed, &run.Band, &run.StartedAt,
		&run.FinishedAt, &simulated, pq.Array(&run.Gateways), &run.Devices,
		&broadcast, &blocked, &multicast, &unicast, &run.Details,
	)
	if err != nil {
		return nil, err
	}
	run.SimulatedTime = time.Duration(simulated)
	run.BeaconsBroadcast = uint64(broadcast)
	run.BeaconsBlocked = uint64(blocked)
	run.MulticastSent = uint64(multicast)
	run.UnicastSent = uint64(unicast)
	return run, nil
}

// GetRunSummary gets a run summary by ID
func (s *PostgresStore) GetRunSummary(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	row := s.getDB().QueryRowContext(ctx, "SELECT "+runColumns+" FROM run_summaries WHERE id = $1", id)
	run, err := scanRunSummary(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run summary: %w", err)
	}
	return run, nil
}

// ListRunSummaries lists run summaries, newest first
func (s *PostgresStore) ListRunSummaries(ctx context.Context, limit, offset int) ([]*models.RunSummary, int64, error) {
	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM run_summaries").Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count run summaries: %w", err)
	}

	rows, err := s.getDB().QueryContext(ctx,
		"SELECT "+runColumns+" FROM run_summaries ORDER BY started_at DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list run summaries: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunSummary
	for rows.Next() {
		run, err := scanRunSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, count, rows.Err()
}
