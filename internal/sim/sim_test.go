package sim

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/device"
	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/network"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

var (
	member1 = lorawan.DevAddrFromUint32(0x01000001)
	member2 = lorawan.DevAddrFromUint32(0x01000002)
	unicast = lorawan.DevAddrFromUint32(0x01000003)
)

func tenMinutes() *config.Config {
	cfg := config.Default()
	cfg.Simulation.Duration = 10 * time.Minute
	return cfg
}

// unicastOnly keeps the gateway free of multicast traffic.
func unicastOnly() *config.Config {
	cfg := tenMinutes()
	cfg.MulticastGroups = nil
	cfg.Gateways[0].MulticastGroups = nil
	cfg.Devices = cfg.Devices[2:]
	return cfg
}

func TestMulticastScenario(t *testing.T) {
	rec := events.NewRecorder()
	s, err := New(tenMinutes(), Options{Registerer: prometheus.NewRegistry(), Sinks: []events.Sink{rec}})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 10*time.Minute, s.Elapsed())

	st := s.Status()
	assert.True(t, st.BeaconEnabled)
	assert.False(t, st.Suspended)
	assert.GreaterOrEqual(t, st.Beacons.Broadcasted, uint32(4))
	assert.Positive(t, st.Downlinks.MulticastSent)
	require.Len(t, st.Gateways, 1)
	assert.Equal(t, "gw-1", st.Gateways[0].ID)

	for _, addr := range []lorawan.DevAddr{member1, member2} {
		d, err := s.Device(addr)
		require.NoError(t, err)
		assert.Equal(t, lorawan.ClassB, d.Class, addr.String())
		assert.Equal(t, device.BeaconLocked.String(), d.BeaconState, addr.String())
		assert.Equal(t, 1, d.Attempts)
		assert.Positive(t, d.Counters.PingsReceived)
		assert.Zero(t, d.Counters.MissedBeacons)
	}

	summary := s.Summary()
	require.Len(t, summary.Groups, 1)
	g := summary.Groups[0]
	assert.Equal(t, 2, g.Members)
	assert.Positive(t, g.Sent)
	assert.Positive(t, g.Received)
	assert.Equal(t, uint64(st.Beacons.Broadcasted), summary.Network.BeaconsBroadcast)

	assert.Positive(t, rec.Count(events.KindMulticastPingSent))
	assert.Equal(t, 0, rec.Count(events.KindBeaconLost))
}

func TestUnicastDeviceTracksClass(t *testing.T) {
	s, err := New(unicastOnly(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	d, err := s.Device(unicast)
	require.NoError(t, err)
	assert.Equal(t, lorawan.ClassB, d.Class)
	assert.Equal(t, uint8(4), d.Periodicity)
	assert.Positive(t, d.Counters.UplinksSent)

	var nd network.Device
	s.Loop().Do(func() {
		nd, err = s.Server().Registry().Device(unicast)
	})
	require.NoError(t, err)
	assert.True(t, nd.ClassB)

	st := s.Status()
	assert.Positive(t, st.Downlinks.UnicastSent)
	assert.Positive(t, st.Uplinks)
	assert.Zero(t, st.Downlinks.MulticastSent)
}

func TestRunSummary(t *testing.T) {
	s, err := New(tenMinutes(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(time.Second)
	run, err := s.RunSummary(started, finished)
	require.NoError(t, err)

	assert.Equal(t, s.RunID(), run.ID)
	assert.Equal(t, "lorawan-classb", run.Name)
	assert.Equal(t, int64(1), run.Seed)
	assert.Equal(t, "EU868", run.Band)
	assert.Equal(t, 10*time.Minute, run.SimulatedTime)
	assert.Equal(t, []string{"gw-1"}, run.Gateways)
	assert.Equal(t, 3, run.Devices)
	assert.Equal(t, finished, run.FinishedAt)
	assert.Equal(t, uint64(s.Status().Beacons.Broadcasted), run.BeaconsBroadcast)
	assert.Contains(t, run.Details, "network")
	assert.Contains(t, run.Details, "devices")
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(tenMinutes(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Zero(t, s.Elapsed())
}

func TestRunNeedsDuration(t *testing.T) {
	cfg := tenMinutes()
	cfg.Simulation.Duration = 0
	s, err := New(cfg, Options{})
	require.NoError(t, err)
	assert.Error(t, s.Run(context.Background()))
}

func TestRunRealtime(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := tenMinutes()
	cfg.Simulation.Realtime = true
	cfg.Simulation.Speed = 1e6
	s, err := New(cfg, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 10*time.Minute, s.Elapsed())
	assert.GreaterOrEqual(t, s.Status().Beacons.Broadcasted, uint32(4))
}

func TestStartTime(t *testing.T) {
	cfg := tenMinutes()
	cfg.Simulation.StartTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := New(cfg, Options{})
	require.NoError(t, err)

	st := s.Status()
	assert.True(t, st.GPSTime.Equal(cfg.Simulation.StartTime), st.GPSTime.String())
	assert.Zero(t, st.Elapsed)
	assert.Equal(t, s.Now()+10*time.Minute, s.End())
}

func TestControl(t *testing.T) {
	s, err := New(tenMinutes(), Options{})
	require.NoError(t, err)

	other := lorawan.DevAddrFromUint32(0x0a0b0c0d)
	assert.ErrorIs(t, s.SetDeviceClass(other, lorawan.ClassB), ErrUnknownDevice)
	assert.ErrorIs(t, s.RequestPingSlotInfo(other, 3), ErrUnknownDevice)
	_, err = s.Device(other)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, s.SetGatewayBeacon("gw-9", true), network.ErrUnknownGateway)

	require.NoError(t, s.SetGatewayBeacon("gw-1", false))
	assert.False(t, s.Status().Gateways[0].BeaconEnabled)

	require.NoError(t, s.SetDeviceClass(member1, lorawan.ClassB))
	require.NoError(t, s.RequestPingSlotInfo(unicast, 3))

	devices := s.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, member1, devices[0].DevAddr)
	assert.Equal(t, unicast, devices[2].DevAddr)
	assert.Equal(t, lorawan.DevAddrFromUint32(0xfe000001), devices[0].MulticastAddr)
	assert.Equal(t, lorawan.ClassA, devices[0].Class)
}
