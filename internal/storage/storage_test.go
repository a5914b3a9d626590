package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/models"
)

func TestEventLogWhere(t *testing.T) {
	where, args := eventLogWhere(EventLogFilters{})
	assert.Equal(t, " WHERE 1=1", where)
	assert.Empty(t, args)

	run := uuid.New()
	kind := events.KindBeaconLost
	from := 10 * time.Second
	where, args = eventLogWhere(EventLogFilters{RunID: &run, Kind: &kind, Subject: "01020304", From: &from})
	assert.Equal(t, " WHERE 1=1 AND run_id = $1 AND kind = $2 AND subject = $3 AND sim_time >= $4", where)
	assert.Equal(t, []interface{}{run, "beacon_lost", "01020304", int64(10 * time.Second)}, args)
}

func TestMemoryStoreEventLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := uuid.New()

	add := func(kind events.Kind, subject string, at time.Duration) *models.EventLog {
		e := &models.EventLog{RunID: run, Kind: kind, Level: models.LevelFor(kind), Subject: subject, At: at}
		require.NoError(t, s.CreateEventLog(ctx, e))
		return e
	}
	lost := add(events.KindBeaconLost, "01020304", 3*time.Second)
	add(events.KindBeaconLocked, "01020304", time.Second)
	add(events.KindBeaconBroadcast, events.NetworkSubject, 2*time.Second)

	// Redelivered events are stored once.
	require.NoError(t, s.CreateEventLog(ctx, lost))

	all, total, err := s.ListEventLogs(ctx, EventLogFilters{RunID: &run}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, events.KindBeaconLocked, all[0].Kind)
	assert.Equal(t, events.KindBeaconLost, all[2].Kind)

	device, total, err := s.ListEventLogs(ctx, EventLogFilters{Subject: "01020304"}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, device, 1)
	assert.Equal(t, lost.ID, device[0].ID)

	warning := models.EventLevelWarning
	warnings, _, err := s.ListEventLogs(ctx, EventLogFilters{Level: &warning}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	other := uuid.New()
	none, total, err := s.ListEventLogs(ctx, EventLogFilters{RunID: &other}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestMemoryStoreRunSummaries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	assert.ErrorIs(t, s.SaveRunSummary(ctx, &models.RunSummary{}), ErrInvalidData)
	_, err := s.GetRunSummary(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := &models.RunSummary{BaseModel: models.BaseModel{ID: uuid.New()}, Name: "first", StartedAt: start}
	second := &models.RunSummary{BaseModel: models.BaseModel{ID: uuid.New()}, Name: "second", StartedAt: start.Add(time.Hour)}
	require.NoError(t, s.SaveRunSummary(ctx, first))
	require.NoError(t, s.SaveRunSummary(ctx, second))

	first.BeaconsBroadcast = 5
	require.NoError(t, s.SaveRunSummary(ctx, first))
	got, err := s.GetRunSummary(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.BeaconsBroadcast)

	runs, total, err := s.ListRunSummaries(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].Name)
}

func TestNewEventLog(t *testing.T) {
	run := uuid.New()
	env, err := events.NewEnvelope(run, events.BeaconLost{Header: events.Header{At: time.Minute}})
	require.NoError(t, err)

	e, err := models.NewEventLog(env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, e.ID)
	assert.Equal(t, run, e.RunID)
	assert.Equal(t, models.EventLevelWarning, e.Level)
	assert.Equal(t, events.NetworkSubject, e.Subject)
	assert.Equal(t, time.Minute, e.At)
	assert.Contains(t, e.Data, "at")
}
