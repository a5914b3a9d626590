package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

func TestRunLengthTracker(t *testing.T) {
	var tr RunLengthTracker
	assert.False(t, tr.Succeeding())
	assert.Equal(t, uint32(0), tr.Count())

	_, ok := tr.Record(true)
	assert.False(t, ok, "the initial empty run is not reported")
	assert.True(t, tr.Succeeding())
	assert.Equal(t, uint32(1), tr.Count())

	tr.Record(true)
	tr.Record(true)
	run, ok := tr.Record(false)
	require.True(t, ok)
	assert.Equal(t, Run{Success: true, Length: 3}, run)

	tr.Record(false)
	run, ok = tr.Record(true)
	require.True(t, ok)
	assert.Equal(t, Run{Success: false, Length: 2}, run)

	run, ok = tr.Record(false)
	require.True(t, ok)
	assert.Equal(t, Run{Success: true, Length: 1}, run)

	assert.Equal(t, RunStats{Runs: 2, Min: 1, Max: 3, Total: 4}, tr.Successes)
	assert.Equal(t, 2.0, tr.Successes.Average())
	assert.Equal(t, uint32(1), tr.Failures.Runs)
	assert.Equal(t, Run{Success: false, Length: 1}, tr.Current())
}

func TestRunLengthTrackerSnapshot(t *testing.T) {
	var tr RunLengthTracker
	tr.Record(false)
	tr.Record(false)
	snapshot := func() RunLengthTracker { return tr }

	assert.False(t, snapshot().Succeeding())
	assert.Equal(t, uint32(2), snapshot().Count())
	assert.Equal(t, Run{Success: false, Length: 2}, snapshot().Current())
}

func TestRunStatsEmpty(t *testing.T) {
	var s RunStats
	assert.Equal(t, 0.0, s.Average())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, label string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	group := lorawan.DevAddrFromUint32(0xffff0001)
	d1 := lorawan.DevAddrFromUint32(1)
	d2 := lorawan.DevAddrFromUint32(2)
	c.RegisterGroup(group, []lorawan.DevAddr{d1, d2})

	c.Handle(events.BeaconBroadcast{BeaconTime: 128, Gateways: 2})
	c.Handle(events.BeaconBlocked{BeaconTime: 256})
	c.Handle(events.BroadcastRunLength{Sent: true, Count: 4})
	c.Handle(events.MulticastPingSent{Header: events.Header{DevAddr: group}, Gateways: 1})
	c.Handle(events.MulticastPingSent{Header: events.Header{DevAddr: group}, Gateways: 3})
	c.Handle(events.PingReceived{Header: events.Header{DevAddr: d1}, Destination: group, Service: events.Multicast})
	c.Handle(events.PingReceived{Header: events.Header{DevAddr: d2}, Destination: group, Service: events.Multicast})
	c.Handle(events.PingReceived{Header: events.Header{DevAddr: d2}, Destination: group, Service: events.Multicast})
	c.Handle(events.BeaconReceived{Header: events.Header{DevAddr: d1}})
	c.Handle(events.BeaconReceived{Header: events.Header{DevAddr: d1}})
	c.Handle(events.BeaconReceived{Header: events.Header{DevAddr: d1}})
	c.Handle(events.BeaconMissed{Header: events.Header{DevAddr: d1}})
	c.Handle(events.ClassChanged{Header: events.Header{DevAddr: d1}, From: lorawan.ClassA, To: lorawan.ClassB})
	c.Handle(events.FragmentsMissed{Header: events.Header{DevAddr: d2}, Current: 3, Total: 5})

	s := c.Summary()
	assert.Equal(t, uint64(1), s.Network.BeaconsBroadcast)
	assert.Equal(t, uint64(1), s.Network.BeaconsBlocked)
	assert.Equal(t, uint64(2), s.Network.MulticastSent)
	assert.Equal(t, uint32(4), s.Network.SendRuns.Max)

	require.Len(t, s.Groups, 1)
	assert.Equal(t, 2, s.Groups[0].Members)
	assert.Equal(t, uint64(3), s.Groups[0].Received)
	assert.InDelta(t, 0.75, s.Groups[0].DeliveryRatio(), 1e-9)

	require.Len(t, s.Devices, 2)
	assert.Equal(t, d1, s.Devices[0].DevAddr)
	assert.InDelta(t, 0.75, s.Devices[0].BeaconHitRatio(), 1e-9)
	assert.Equal(t, "B", s.Devices[0].Class)

	d, ok := c.Device(d2)
	require.True(t, ok)
	assert.Equal(t, uint64(3), d.FragmentsMissed)
	assert.Equal(t, uint64(2), d.MulticastPings)

	assert.Equal(t, 1.0, counterValue(t, reg, "classb_network_beacons_total", "blocked"))
	assert.Equal(t, 3.0, counterValue(t, reg, "classb_pings_received_total", "multicast"))
	assert.Equal(t, 3.0, counterValue(t, reg, "classb_fragments_missed_total", ""))
}
