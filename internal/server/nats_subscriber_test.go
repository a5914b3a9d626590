package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/storage"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

type fakeConn struct {
	subjects []string
}

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.subjects = append(c.subjects, subj)
	return &nats.Subscription{Subject: subj}, nil
}

func message(t *testing.T, runID uuid.UUID, e events.Event) *nats.Msg {
	t.Helper()
	env, err := events.NewEnvelope(runID, e)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return &nats.Msg{Subject: events.SubjectFor(e), Data: data}
}

func TestHandleEventStoresEnvelope(t *testing.T) {
	store := storage.NewMemoryStore()
	s := NewNATSSubscriber(&fakeConn{}, store)
	run := uuid.New()
	addr := lorawan.DevAddrFromUint32(0x01020304)

	s.handleEvent(message(t, run, events.BeaconLocked{Header: events.Header{At: 128 * time.Second, DevAddr: addr}, BeaconTime: 128}))
	s.handleEvent(message(t, run, events.DownlinkSuspended{Header: events.Header{At: time.Hour}, SkippedPeriods: 57}))
	s.handleEvent(&nats.Msg{Subject: "classb.junk", Data: []byte("{")})

	stored, dropped := s.Counts()
	assert.Equal(t, uint64(2), stored)
	assert.Equal(t, uint64(1), dropped)

	logs, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{RunID: &run}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, events.KindBeaconLocked, logs[0].Kind)
	assert.Equal(t, addr.String(), logs[0].Subject)
	assert.Equal(t, float64(128), logs[0].Data["beacon_time"])
	assert.Equal(t, events.NetworkSubject, logs[1].Subject)

	// The suspension handler only logs.
	s.handleSuspension(message(t, run, events.DownlinkSuspended{SkippedPeriods: 57}))
}

func TestStartSubscribesUntilDone(t *testing.T) {
	conn := &fakeConn{}
	s := NewNATSSubscriber(conn, storage.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Start(ctx), context.Canceled)
	assert.Equal(t, []string{"classb.>", "classb.downlink_suspended.*"}, conn.subjects)
}
