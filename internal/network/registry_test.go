package network

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

var (
	testGroup  = lorawan.DevAddrFromUint32(0xfe000001)
	testDevice = lorawan.DevAddrFromUint32(0x01020304)
)

func newTestServer(t *testing.T, cfg Config) (*scheduler.EventLoop, *radio.Medium, *Server, *events.Recorder) {
	t.Helper()
	loop := scheduler.NewEventLoop()
	medium := radio.NewMedium(loop, &lorawan.EU868Configuration, rand.New(rand.NewSource(1)))
	rec := events.NewRecorder()
	s := NewServer(cfg, loop, &lorawan.EU868Configuration, rec, rand.New(rand.NewSource(3)))
	return loop, medium, s, rec
}

func addGateway(s *Server, loop *scheduler.EventLoop, medium *radio.Medium, cfg gateway.Config) *gateway.Gateway {
	gw := gateway.New(cfg, loop, medium, &lorawan.EU868Configuration)
	s.AddGateway(gw)
	return gw
}

func TestRegistryGroups(t *testing.T) {
	r := NewRegistry(&lorawan.EU868Configuration)

	assert.ErrorIs(t, r.AddGroup(Group{}), ErrInvalidGroup)
	assert.ErrorIs(t, r.AddGroup(Group{Address: testGroup, DataRate: 7}), ErrInvalidGroup)
	assert.ErrorIs(t, r.AddGroup(Group{Address: testGroup, Frequency: 915000000}), ErrInvalidGroup)
	assert.ErrorIs(t, r.AddGroup(Group{Address: testGroup, DataRate: 3}), ErrInvalidGroup, "no members")
	assert.Empty(t, r.Groups())

	unicast := lorawan.DevAddrFromUint32(0xfe000002)
	require.NoError(t, r.AddDevice(Device{Address: unicast, DataRate: 3}))
	assert.ErrorIs(t, r.AddGroup(Group{Address: unicast, DataRate: 3, Members: []lorawan.DevAddr{testDevice}}), ErrInvalidGroup)

	require.NoError(t, r.AddGroup(Group{Address: testGroup, DataRate: 3, Members: []lorawan.DevAddr{testDevice}}))
	g, err := r.Group(testGroup)
	require.NoError(t, err)
	assert.Equal(t, lorawan.DefaultPingFrequency, g.Frequency)
	assert.Equal(t, uint16(128), g.PingSlot.PingNb())

	require.NoError(t, r.AddMember(testGroup, lorawan.DevAddrFromUint32(5)))
	require.NoError(t, r.AddMember(testGroup, testDevice))
	members, err := r.MembersOf(testGroup)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = r.MembersOf(lorawan.DevAddrFromUint32(9))
	assert.ErrorIs(t, err, ErrUnknownGroup)
	assert.ErrorIs(t, r.AddMember(lorawan.DevAddrFromUint32(9), testDevice), ErrUnknownGroup)
}

func TestRegistryGatewaySets(t *testing.T) {
	loop, medium, s, _ := newTestServer(t, Config{})
	addGateway(s, loop, medium, gateway.Config{ID: "g1", BeaconEnabled: true, ClassBEnabled: true, MulticastGroups: []lorawan.DevAddr{testGroup}})
	addGateway(s, loop, medium, gateway.Config{ID: "g2", ClassBEnabled: false, MulticastGroups: []lorawan.DevAddr{testGroup}})
	addGateway(s, loop, medium, gateway.Config{ID: "g3", BeaconEnabled: true, ClassBEnabled: true})

	ids := func(gws []*gateway.Gateway) []string {
		var out []string
		for _, gw := range gws {
			out = append(out, gw.ID())
		}
		return out
	}
	assert.Equal(t, []string{"g1"}, ids(s.Registry().GatewaysServing(testGroup)))
	assert.Equal(t, []string{"g1", "g3"}, ids(s.Registry().BeaconCapableGateways()))

	gw, ok := s.Registry().Gateway("g2")
	require.True(t, ok)
	assert.Equal(t, "g2", gw.ID())
}

func TestBestGateway(t *testing.T) {
	loop, medium, s, _ := newTestServer(t, Config{})
	r := s.Registry()
	assert.Nil(t, r.BestGateway(testDevice))

	addGateway(s, loop, medium, gateway.Config{ID: "g1"})
	addGateway(s, loop, medium, gateway.Config{ID: "g2"})
	assert.Equal(t, "g1", r.BestGateway(testDevice).ID(), "no uplink yet")

	r.RecordUplink(testDevice, DeviceRxInfo{GatewayID: "g1", PacketID: 1, RSSI: -110})
	r.RecordUplink(testDevice, DeviceRxInfo{GatewayID: "g2", PacketID: 1, RSSI: -90})
	assert.Equal(t, "g2", r.BestGateway(testDevice).ID())
	assert.Len(t, r.LastUplink(testDevice), 2)

	// A new packet replaces the receptions of the previous one.
	r.RecordUplink(testDevice, DeviceRxInfo{GatewayID: "g1", PacketID: 2, RSSI: -120})
	assert.Equal(t, "g1", r.BestGateway(testDevice).ID())
	assert.Len(t, r.LastUplink(testDevice), 1)
}

func TestRegistryDevices(t *testing.T) {
	r := NewRegistry(&lorawan.EU868Configuration)
	assert.ErrorIs(t, r.SetDevicePeriodicity(testDevice, 2), ErrUnknownDevice)

	require.NoError(t, r.AddDevice(Device{Address: testDevice, DataRate: 3}))
	require.NoError(t, r.SetDevicePeriodicity(testDevice, 2))
	assert.ErrorIs(t, r.SetDevicePeriodicity(testDevice, 8), lorawan.ErrInvalidPeriodicity)
	require.NoError(t, r.SetDeviceClassB(testDevice, true))

	require.NoError(t, r.AddGroup(Group{Address: testGroup, DataRate: 3, Members: []lorawan.DevAddr{testDevice}}))
	assert.ErrorIs(t, r.AddDevice(Device{Address: testGroup, ClassB: true}), ErrInvalidGroup)
	_, err := r.Device(testGroup)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	d, err := r.Device(testDevice)
	require.NoError(t, err)
	assert.True(t, d.ClassB)
	assert.Equal(t, uint16(32), d.PingSlot.PingNb())
	assert.Equal(t, uint16(128), d.PingSlot.PingPeriod())
}

func TestPayloadSize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 51, PayloadSize(100, 51, rng))
	assert.Equal(t, 51, PayloadSize(51, 51, rng))
	assert.Equal(t, 20, PayloadSize(20, 51, rng))
	assert.Equal(t, 0, PayloadSize(20, 0, rng))
	for i := 0; i < 200; i++ {
		n := PayloadSize(0, 51, rng)
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, 51)
	}
}

func TestGenerator(t *testing.T) {
	g := NewGenerator(true, 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, g.Next())

	g.PacketSent(false)
	assert.Equal(t, uint64(0), g.Sequence())

	for i := 0; i < 12; i++ {
		g.PacketSent(true)
	}
	assert.Equal(t, radio.EncodeSequence(12, 4), g.Next())
	assert.Equal(t, uint64(12), radio.DecodeSequence(g.Next()))

	empty := NewGenerator(false, 3)
	empty.PacketSent(true)
	assert.Equal(t, make([]byte, 3), empty.Next())
	assert.False(t, empty.Sequenced())
}
