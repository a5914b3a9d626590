package lorawan

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingOffsetKnownValues(t *testing.T) {
	tests := []struct {
		beaconTime uint32
		addr       string
		period     uint16
		want       uint16
	}{
		{1234567, "26011f5a", 32, 26},
		{1234567, "26011f5a", 4096, 3066},
		{384, "00000001", 32, 15},
		{384, "00000001", 128, 79},
		{1400000000, "ffffffff", 4096, 3865},
	}

	for _, tt := range tests {
		addr, err := ParseDevAddr(tt.addr)
		require.NoError(t, err)
		assert.Equal(t, tt.want, PingOffset(tt.beaconTime, addr, tt.period), "%d/%s/%d", tt.beaconTime, tt.addr, tt.period)
	}
}

func TestPingOffsetDeterministicAndInRange(t *testing.T) {
	addr := DevAddrFromUint32(0x01020304)
	for periodicity := uint8(0); periodicity <= 7; periodicity++ {
		p, err := NewPingSlotParameters(periodicity)
		require.NoError(t, err)
		for bt := uint32(128); bt < 128*50; bt += 128 {
			first := PingOffset(bt, addr, p.PingPeriod())
			assert.Equal(t, first, PingOffset(bt, addr, p.PingPeriod()))
			assert.Less(t, first, p.PingPeriod())
		}
	}
}

func TestPingSlotParametersInvariant(t *testing.T) {
	var p PingSlotParameters
	for periodicity := uint8(0); periodicity <= 7; periodicity++ {
		require.NoError(t, p.SetPeriodicity(periodicity))
		assert.Equal(t, uint32(SlotsPerBeaconWindow), uint32(p.PingNb())*uint32(p.PingPeriod()))
	}

	for _, nb := range []uint16{1, 2, 4, 8, 16, 32, 64, 128} {
		require.NoError(t, p.SetPingNb(nb))
		assert.Equal(t, nb, p.PingNb())
		assert.Equal(t, SlotsPerBeaconWindow/nb, p.PingPeriod())
		assert.Equal(t, uint32(SlotsPerBeaconWindow), uint32(p.PingNb())*uint32(p.PingPeriod()))
	}

	require.NoError(t, p.SetPingPeriod(1024))
	assert.Equal(t, uint16(4), p.PingNb())
	assert.Equal(t, uint8(5), p.Periodicity())

	assert.ErrorIs(t, p.SetPeriodicity(8), ErrInvalidPeriodicity)
	assert.ErrorIs(t, p.SetPingNb(3), ErrInvalidPingNb)
	assert.ErrorIs(t, p.SetPingNb(256), ErrInvalidPingNb)
	assert.ErrorIs(t, p.SetPingPeriod(16), ErrInvalidPingPeriod)
	assert.Equal(t, uint16(1024), p.PingPeriod(), "failed setters leave state unchanged")
}

func TestDefaultPingSlotParameters(t *testing.T) {
	p := DefaultPingSlotParameters()
	assert.Equal(t, uint8(0), p.Periodicity())
	assert.Equal(t, uint16(128), p.PingNb())
	assert.Equal(t, uint16(32), p.PingPeriod())
	assert.Equal(t, 960*time.Millisecond, p.PingPeriodDuration())
}

func TestTimingConstants(t *testing.T) {
	assert.Equal(t, 122880*time.Millisecond, BeaconWindow)
	assert.Equal(t, BeaconWindow, SlotsPerBeaconWindow*SlotLen)
	assert.Equal(t, 56.25, NetworkBeaconlessPeriods())
}

func TestNextBeaconBoundary(t *testing.T) {
	assert.Equal(t, 128*time.Second, NextBeaconBoundary(0))
	assert.Equal(t, 128*time.Second, NextBeaconBoundary(60*time.Second))
	assert.Equal(t, 256*time.Second, NextBeaconBoundary(128*time.Second))
	assert.Equal(t, 256*time.Second, NextBeaconBoundary(128*time.Second+time.Nanosecond))
}

func TestExpandWindow(t *testing.T) {
	assert.Equal(t, uint8(16), ExpandWindow(8, MaxBeaconWindowSymbols))
	assert.Equal(t, uint8(255), ExpandWindow(128, MaxBeaconWindowSymbols))
	assert.Equal(t, uint8(255), ExpandWindow(255, MaxBeaconWindowSymbols))
	assert.Equal(t, uint8(30), ExpandWindow(16, MaxPingWindowSymbols))

	w := uint8(DefaultPingWindowSymbols)
	for i := 0; i < 10; i++ {
		next := ExpandWindow(w, MaxPingWindowSymbols)
		assert.GreaterOrEqual(t, next, w)
		assert.LessOrEqual(t, next, uint8(MaxPingWindowSymbols))
		w = next
	}
}

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x2189), CRC16([]byte("123456789")))
	assert.Equal(t, uint16(0), CRC16(nil))
}

func TestBeaconPayloadGPS(t *testing.T) {
	p := BeaconPayload{Time: 1400000000, InfoDesc: InfoDescGPSFirstAntenna, Latitude: 0x123456, Longitude: 0xabcdef}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "000053724e00cd19000000efcdab563412", hex.EncodeToString(b))

	got, err := ParseBeacon(b, 1400000000)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestBeaconPayloadNetworkInfo(t *testing.T) {
	p := BeaconPayload{Time: 1400000000, InfoDesc: InfoDescNetworkSpecific, Info: 0x0102030405}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "000053724e00cd19800000050403020100", hex.EncodeToString(b))

	var got BeaconPayload
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, p, got)
}

func TestBeaconPayloadReservedDescriptorCarriesNothing(t *testing.T) {
	p := BeaconPayload{Time: 256, InfoDesc: 5, Latitude: 1, Info: 7}
	b, err := p.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseBeacon(b, 256)
	require.NoError(t, err)
	assert.Equal(t, BeaconPayload{Time: 256, InfoDesc: 5}, got)
}

func TestBeaconPayloadRejects(t *testing.T) {
	_, err := BeaconPayload{}.MarshalBinary()
	assert.ErrorIs(t, err, ErrBeaconTimeZero)

	b, err := BeaconPayload{Time: 1000}.MarshalBinary()
	require.NoError(t, err)

	_, err = ParseBeacon(b, 999)
	assert.ErrorIs(t, err, ErrBeaconInFuture)

	corrupted := append([]byte(nil), b...)
	corrupted[3] ^= 0x01
	_, err = ParseBeacon(corrupted, 5000)
	assert.ErrorIs(t, err, ErrCRCMismatch)

	_, err = ParseBeacon(b[:10], 5000)
	assert.ErrorIs(t, err, ErrBeaconLength)

	// CRC2 is not checked.
	b[16] ^= 0xff
	_, err = ParseBeacon(b, 5000)
	assert.NoError(t, err)
}

func TestSymbolTimeAndAirtime(t *testing.T) {
	st, err := EU868Configuration.SymbolTime(DefaultBeaconDataRate)
	require.NoError(t, err)
	assert.Equal(t, 4096*time.Microsecond, st)

	m, err := EU868Configuration.ModulationForDR(5)
	require.NoError(t, err)
	assert.Equal(t, 41984*time.Microsecond, m.TimeOnAir(10))

	m, err = EU868Configuration.ModulationForDR(0)
	require.NoError(t, err)
	assert.Equal(t, 1015808*time.Microsecond, m.TimeOnAir(10))

	_, err = EU868Configuration.DataRate(9)
	assert.Error(t, err)
	_, err = US915Configuration.DataRate(6)
	assert.Error(t, err)
}

func TestRegionDutyCycle(t *testing.T) {
	assert.Equal(t, 0.1, EU868Configuration.DutyCycle(DefaultBeaconFrequency))
	assert.Equal(t, 0.01, EU868Configuration.DutyCycle(868100000))
	assert.Equal(t, 1.0, US915Configuration.DutyCycle(923300000))
	assert.Equal(t, 222, EU868Configuration.MaxAppPayload(7))
	assert.Equal(t, 51, EU868Configuration.MaxAppPayload(0))
}

func TestDevAddr(t *testing.T) {
	a, err := ParseDevAddr("0x26011F5A")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x26011f5a), a.Uint32())
	assert.Equal(t, a, DevAddrFromUint32(0x26011f5a))
	assert.Equal(t, "26011f5a", a.String())

	text, err := a.MarshalText()
	require.NoError(t, err)
	var b DevAddr
	require.NoError(t, b.UnmarshalText(text))
	assert.Equal(t, a, b)

	_, err = ParseDevAddr("0102")
	assert.Error(t, err)
}

func TestDeviceClassText(t *testing.T) {
	c, err := ParseDeviceClass("b")
	require.NoError(t, err)
	assert.Equal(t, ClassB, c)
	assert.Equal(t, "C", ClassC.String())
	_, err = ParseDeviceClass("D")
	assert.Error(t, err)
}

func TestClassBMACCommands(t *testing.T) {
	info, err := PingSlotInfoReqPayload{Periodicity: 3}.MarshalBinary()
	require.NoError(t, err)
	chAns, err := PingSlotChannelAnsPayload{DataRateOK: true, ChannelFrequencyOK: true}.MarshalBinary()
	require.NoError(t, err)

	uplink := append([]byte{PingSlotInfoReq}, info...)
	uplink = append(uplink, PingSlotChannelAns)
	uplink = append(uplink, chAns...)
	uplink = append(uplink, DeviceTimeReq)

	cmds, err := ParseMACCommands(true, uplink)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, PingSlotInfoReq, cmds[0].CID)

	var req PingSlotInfoReqPayload
	require.NoError(t, req.UnmarshalBinary(cmds[0].Payload))
	assert.Equal(t, uint8(3), req.Periodicity)

	var ans PingSlotChannelAnsPayload
	require.NoError(t, ans.UnmarshalBinary(cmds[1].Payload))
	assert.True(t, ans.DataRateOK)
	assert.True(t, ans.ChannelFrequencyOK)

	_, err = NewPingSlotInfoReq(8)
	assert.ErrorIs(t, err, ErrInvalidPeriodicity)
	cmd, err := NewPingSlotInfoReq(7)
	require.NoError(t, err)
	assert.Equal(t, MACCommand{CID: PingSlotInfoReq, Payload: []byte{7}}, cmd)

	_, err = ParseMACCommands(true, []byte{PingSlotInfoReq})
	assert.Error(t, err)
	_, err = ParseMACCommands(false, []byte{0x7f})
	assert.Error(t, err)
}

func TestDownlinkFrequencyEncoding(t *testing.T) {
	b, err := BeaconFreqReqPayload{Frequency: DefaultBeaconFrequency}.MarshalBinary()
	require.NoError(t, err)
	var got BeaconFreqReqPayload
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, DefaultBeaconFrequency, got.Frequency)

	b, err = PingSlotChannelReqPayload{Frequency: 868100000, DR: 5}.MarshalBinary()
	require.NoError(t, err)
	var ch PingSlotChannelReqPayload
	require.NoError(t, ch.UnmarshalBinary(b))
	assert.Equal(t, PingSlotChannelReqPayload{Frequency: 868100000, DR: 5}, ch)

	_, err = NewMACCommand(PingSlotChannelReq, PingSlotChannelReqPayload{Frequency: 868100050, DR: 5})
	assert.Error(t, err, "frequency must be a multiple of 100 Hz")

	fa, err := NewMACCommand(BeaconFreqAns, BeaconFreqAnsPayload{BeaconFrequencyOK: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, fa.Payload)
	var gotFA BeaconFreqAnsPayload
	require.NoError(t, gotFA.UnmarshalBinary(fa.Payload))
	assert.True(t, gotFA.BeaconFrequencyOK)

	dt := DeviceTimeAnsPayload{TimeSinceGPSEpoch: 1400000000*time.Second + 500*time.Millisecond}
	b, err = dt.MarshalBinary()
	require.NoError(t, err)
	var gotDT DeviceTimeAnsPayload
	require.NoError(t, gotDT.UnmarshalBinary(b))
	assert.Equal(t, dt, gotDT)
}

func TestBeaconTimeField(t *testing.T) {
	assert.Equal(t, uint32(1400000000), BeaconTimeField(1400000000*time.Second+500*time.Millisecond))
	start := BeaconStartForTime(GPSTime(1400000100 * time.Second))
	assert.Equal(t, time.Duration(0), start%BeaconPeriod)
	assert.LessOrEqual(t, start, 1400000100*time.Second)
}

func TestGPSEpochTime(t *testing.T) {
	assert.Equal(t, 1400000100*time.Second, GPSEpochTime(GPSTime(1400000100*time.Second)))
}
