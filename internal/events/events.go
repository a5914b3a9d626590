// Package events defines the typed domain events emitted by devices and the
// network scheduler, and the sinks that consume them.
package events

import (
	"time"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// Kind names an event type. It is also the second token of the NATS subject.
type Kind string

const (
	KindClassChanged       Kind = "class_changed"
	KindMacModeChanged     Kind = "mac_mode_changed"
	KindBeaconStateChanged Kind = "beacon_state_changed"
	KindBeaconLocked       Kind = "beacon_locked"
	KindBeaconLost         Kind = "beacon_lost"
	KindBeaconReceived     Kind = "beacon_received"
	KindBeaconMissed       Kind = "beacon_missed"
	KindBeaconRunLength    Kind = "beacon_run_length"
	KindPingSlotOpened     Kind = "ping_slot_opened"
	KindPingReceived       Kind = "ping_received"
	KindPingFailed         Kind = "ping_failed"
	KindPacketRelayed      Kind = "packet_relayed"
	KindFragmentsMissed    Kind = "fragments_missed"
	KindUplinkSent         Kind = "uplink_sent"

	KindBeaconBroadcast      Kind = "beacon_broadcast"
	KindBeaconBlocked        Kind = "beacon_blocked"
	KindBroadcastRunLength   Kind = "broadcast_run_length"
	KindDownlinkSuspended    Kind = "downlink_suspended"
	KindMulticastPingSent    Kind = "multicast_ping_sent"
	KindUnicastPingSent      Kind = "unicast_ping_sent"
	KindPingSlotInfoAccepted Kind = "ping_slot_info_accepted"
)

// NetworkSubject is the subject of events that concern no single address.
const NetworkSubject = "network"

// Event is implemented by every domain event.
type Event interface {
	Kind() Kind
	Subject() string
	Time() time.Duration
}

// Header carries the fields shared by all events.
type Header struct {
	At      time.Duration   `json:"at"`
	DevAddr lorawan.DevAddr `json:"dev_addr"`
}

func (h Header) Time() time.Duration { return h.At }

func (h Header) Subject() string {
	if h.DevAddr.IsZero() {
		return NetworkSubject
	}
	return h.DevAddr.String()
}

// ServiceType tells how a Class B downlink was addressed.
type ServiceType string

const (
	Unicast   ServiceType = "unicast"
	Multicast ServiceType = "multicast"
)

type ClassChanged struct {
	Header
	From lorawan.DeviceClass `json:"from"`
	To   lorawan.DeviceClass `json:"to"`
}

type MacModeChanged struct {
	Header
	From string `json:"from"`
	To   string `json:"to"`
}

type BeaconStateChanged struct {
	Header
	From string `json:"from"`
	To   string `json:"to"`
}

type BeaconLocked struct {
	Header
	BeaconTime uint32 `json:"beacon_time"`
}

type BeaconLost struct {
	Header
	Missed uint32 `json:"missed"`
}

type BeaconReceived struct {
	Header
	BeaconTime uint32 `json:"beacon_time"`
}

// BeaconMissed is emitted for every beacon reserved period that ends
// without a beacon, including while searching.
type BeaconMissed struct {
	Header
	State       string `json:"state"`
	Consecutive uint32 `json:"consecutive"`
}

// BeaconRunLength closes a run of consecutively received (Hit) or missed
// beacons on a device.
type BeaconRunLength struct {
	Header
	Hit   bool   `json:"hit"`
	Count uint32 `json:"count"`
}

type PingSlotOpened struct {
	Header
	Slot    uint8  `json:"slot"`
	Offset  uint16 `json:"offset"`
	Symbols uint8  `json:"symbols"`
	Relay   bool   `json:"relay,omitempty"`
}

type PingReceived struct {
	Header
	Destination lorawan.DevAddr `json:"destination"`
	Service     ServiceType     `json:"service"`
	Slot        uint8           `json:"slot"`
	Size        int             `json:"size"`
	Hop         uint8           `json:"hop"`
}

type PingFailed struct {
	Header
	Slot uint8 `json:"slot"`
}

type PacketRelayed struct {
	Header
	Destination lorawan.DevAddr `json:"destination"`
	Hop         uint8           `json:"hop"`
	Power       float64         `json:"power"`
}

type FragmentsMissed struct {
	Header
	Service ServiceType `json:"service"`
	Current uint64      `json:"current"`
	Total   uint64      `json:"total"`
}

type UplinkSent struct {
	Header
	Size  int           `json:"size"`
	Delay time.Duration `json:"delay"`
}

type BeaconBroadcast struct {
	Header
	BeaconTime uint32 `json:"beacon_time"`
	Gateways   int    `json:"gateways"`
}

type BeaconBlocked struct {
	Header
	BeaconTime uint32 `json:"beacon_time"`
}

// BroadcastRunLength closes a run of consecutively sent (Sent) or blocked
// beacon periods on the network side.
type BroadcastRunLength struct {
	Header
	Sent  bool   `json:"sent"`
	Count uint32 `json:"count"`
}

type DownlinkSuspended struct {
	Header
	SkippedPeriods uint32 `json:"skipped_periods"`
}

type MulticastPingSent struct {
	Header
	Gateways  int    `json:"gateways"`
	PingNb    uint16 `json:"ping_nb"`
	Slot      uint8  `json:"slot"`
	Size      int    `json:"size"`
	Sequenced bool   `json:"sequenced"`
	Sequence  uint64 `json:"sequence"`
}

type UnicastPingSent struct {
	Header
	Gateway   string `json:"gateway"`
	PingNb    uint16 `json:"ping_nb"`
	Slot      uint8  `json:"slot"`
	Size      int    `json:"size"`
	Sequenced bool   `json:"sequenced"`
	Sequence  uint64 `json:"sequence"`
}

type PingSlotInfoAccepted struct {
	Header
	Periodicity uint8 `json:"periodicity"`
}

func (ClassChanged) Kind() Kind         { return KindClassChanged }
func (MacModeChanged) Kind() Kind       { return KindMacModeChanged }
func (BeaconStateChanged) Kind() Kind   { return KindBeaconStateChanged }
func (BeaconLocked) Kind() Kind         { return KindBeaconLocked }
func (BeaconLost) Kind() Kind           { return KindBeaconLost }
func (BeaconReceived) Kind() Kind       { return KindBeaconReceived }
func (BeaconMissed) Kind() Kind         { return KindBeaconMissed }
func (BeaconRunLength) Kind() Kind      { return KindBeaconRunLength }
func (PingSlotOpened) Kind() Kind       { return KindPingSlotOpened }
func (PingReceived) Kind() Kind         { return KindPingReceived }
func (PingFailed) Kind() Kind           { return KindPingFailed }
func (PacketRelayed) Kind() Kind        { return KindPacketRelayed }
func (FragmentsMissed) Kind() Kind      { return KindFragmentsMissed }
func (UplinkSent) Kind() Kind           { return KindUplinkSent }
func (BeaconBroadcast) Kind() Kind      { return KindBeaconBroadcast }
func (BeaconBlocked) Kind() Kind        { return KindBeaconBlocked }
func (BroadcastRunLength) Kind() Kind   { return KindBroadcastRunLength }
func (DownlinkSuspended) Kind() Kind    { return KindDownlinkSuspended }
func (MulticastPingSent) Kind() Kind    { return KindMulticastPingSent }
func (UnicastPingSent) Kind() Kind      { return KindUnicastPingSent }
func (PingSlotInfoAccepted) Kind() Kind { return KindPingSlotInfoAccepted }
