package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

func pingSlot(t *testing.T, periodicity uint8) lorawan.PingSlotParameters {
	t.Helper()
	p, err := lorawan.NewPingSlotParameters(periodicity)
	require.NoError(t, err)
	return p
}

func groupMembers(n int) []lorawan.DevAddr {
	out := make([]lorawan.DevAddr, n)
	for i := range out {
		out[i] = lorawan.DevAddrFromUint32(0x01000000 + uint32(i))
	}
	return out
}

func TestMulticastPingSentOnOneGateway(t *testing.T) {
	loop, medium, s, rec := newTestServer(t, Config{Downlink: DownlinkConfig{Sequenced: true, PayloadSize: 10}})
	require.NoError(t, s.Registry().AddGroup(Group{
		Address:  testGroup,
		DataRate: 3,
		PingSlot: pingSlot(t, 7),
		Members:  groupMembers(5),
	}))
	g1 := addGateway(s, loop, medium, gateway.Config{ID: "g1", ClassBEnabled: true, MulticastGroups: []lorawan.DevAddr{testGroup}})
	g2 := addGateway(s, loop, medium, gateway.Config{ID: "g2", ClassBEnabled: true, MulticastGroups: []lorawan.DevAddr{testGroup}})
	g3 := addGateway(s, loop, medium, gateway.Config{ID: "g3", MulticastGroups: []lorawan.DevAddr{testGroup}})
	g4 := addGateway(s, loop, medium, gateway.Config{ID: "g4", ClassBEnabled: true})

	// g2 is on air when the slot starts.
	require.NoError(t, g2.Send(&radio.Packet{Destination: testDevice, Payload: make([]byte, 10)}, radio.TxParams{Frequency: 868100000, DataRate: 3}))

	grp, err := s.Registry().Group(testGroup)
	require.NoError(t, err)
	s.Downlinks().SendPingDownlink(grp.PingTarget(), 0)

	gen, ok := s.Downlinks().Generator(testGroup)
	require.True(t, ok)
	assert.Equal(t, uint64(1), gen.Sequence())

	sent := events.Filter[events.MulticastPingSent](rec.Events())
	require.Len(t, sent, 1)
	assert.Equal(t, testGroup, sent[0].DevAddr)
	assert.Equal(t, 1, sent[0].Gateways)
	assert.Equal(t, uint8(0), sent[0].Slot)
	assert.Equal(t, uint16(1), sent[0].PingNb)
	assert.True(t, sent[0].Sequenced)
	assert.Equal(t, uint64(0), sent[0].Sequence)
	assert.Equal(t, radio.FrameOverhead+10, sent[0].Size)

	assert.Equal(t, uint64(1), g1.Counters().DownlinksSent)
	assert.Equal(t, uint64(1), g2.Counters().DownlinksSent, "only the packet that kept it busy")
	assert.Equal(t, uint64(0), g3.Counters().DownlinksSent)
	assert.Equal(t, uint64(0), g4.Counters().DownlinksSent)

	// pingNb is 1: nothing else is chained.
	loop.Run()
	assert.Len(t, events.Filter[events.MulticastPingSent](rec.Events()), 1)
	assert.Equal(t, uint64(1), s.Downlinks().Counters().MulticastSent)
}

func TestMulticastPingWithoutGatewayKeepsSequence(t *testing.T) {
	loop, medium, s, rec := newTestServer(t, Config{Downlink: DownlinkConfig{Sequenced: true, PayloadSize: 10}})
	require.NoError(t, s.Registry().AddGroup(Group{Address: testGroup, DataRate: 3, PingSlot: pingSlot(t, 7), Members: groupMembers(1)}))
	gw := addGateway(s, loop, medium, gateway.Config{ID: "g1", ClassBEnabled: true, MulticastGroups: []lorawan.DevAddr{testGroup}})
	require.NoError(t, gw.Send(&radio.Packet{Destination: testDevice, Payload: make([]byte, 10)}, radio.TxParams{Frequency: 868100000, DataRate: 3}))

	grp, err := s.Registry().Group(testGroup)
	require.NoError(t, err)
	s.Downlinks().SendPingDownlink(grp.PingTarget(), 0)

	gen, ok := s.Downlinks().Generator(testGroup)
	require.True(t, ok)
	assert.Equal(t, uint64(0), gen.Sequence())
	assert.Equal(t, 0, rec.Count(events.KindMulticastPingSent))
	assert.Equal(t, uint64(1), s.Downlinks().Counters().SlotsSkipped)
}

func TestPingDownlinksChainThroughPeriod(t *testing.T) {
	loop, medium, s, rec := newTestServer(t, Config{Downlink: DownlinkConfig{Sequenced: true, PayloadSize: 10}})
	params := pingSlot(t, 5)
	require.NoError(t, s.Registry().AddGroup(Group{Address: testGroup, DataRate: 3, PingSlot: params, Members: groupMembers(1)}))
	addGateway(s, loop, medium, gateway.Config{ID: "g1", ClassBEnabled: true, MulticastGroups: []lorawan.DevAddr{testGroup}})

	s.Downlinks().ScheduleClassBDownlink(128)
	loop.Run()

	offset := time.Duration(lorawan.PingOffset(128, testGroup, params.PingPeriod())) * lorawan.SlotLen
	sent := events.Filter[events.MulticastPingSent](rec.Events())
	require.Len(t, sent, 4)
	for i, e := range sent {
		assert.Equal(t, uint8(i), e.Slot)
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, offset+time.Duration(i)*params.PingPeriodDuration(), e.At)
	}
	assert.Equal(t, 30720*time.Millisecond, params.PingPeriodDuration())
}

func TestUnicastPingUsesBestGateway(t *testing.T) {
	loop, medium, s, rec := newTestServer(t, Config{Downlink: DownlinkConfig{PayloadSize: 5}})
	require.NoError(t, s.Registry().AddDevice(Device{Address: testDevice, ClassB: true, DataRate: 3, PingSlot: pingSlot(t, 7)}))
	require.NoError(t, s.Registry().AddDevice(Device{Address: lorawan.DevAddrFromUint32(7), DataRate: 3}))
	addGateway(s, loop, medium, gateway.Config{ID: "g1", ClassBEnabled: true})
	g2 := addGateway(s, loop, medium, gateway.Config{ID: "g2", ClassBEnabled: true})

	s.Registry().RecordUplink(testDevice, DeviceRxInfo{GatewayID: "g1", PacketID: 1, RSSI: -100})
	s.Registry().RecordUplink(testDevice, DeviceRxInfo{GatewayID: "g2", PacketID: 1, RSSI: -80})

	s.Downlinks().ScheduleClassBDownlink(128)
	loop.Run()

	sent := events.Filter[events.UnicastPingSent](rec.Events())
	require.Len(t, sent, 1, "only class B devices get ping downlinks")
	assert.Equal(t, "g2", sent[0].Gateway)
	assert.Equal(t, testDevice, sent[0].DevAddr)
	assert.False(t, sent[0].Sequenced)
	assert.Equal(t, radio.FrameOverhead+5, sent[0].Size)

	// The best gateway cannot do class B: the slot is skipped, no fallback.
	g2.SetClassBEnabled(false)
	s.Downlinks().ScheduleClassBDownlink(256)
	loop.Run()
	assert.Len(t, events.Filter[events.UnicastPingSent](rec.Events()), 1)
	assert.Equal(t, uint64(1), s.Downlinks().Counters().SlotsSkipped)
	assert.Equal(t, uint64(2), s.Downlinks().Counters().PeriodsStarted)
}
