// Package radio models the shared LoRa channel between gateways and end
// devices: transmissions occupy the air for their time on air, receivers lock
// on a preamble and then either receive the packet or fail.
package radio

import (
	"fmt"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// FrameOverhead is the MAC header, frame header and MIC around an application
// payload.
const FrameOverhead = 13

// Packet is a frame on air.
type Packet struct {
	ID          uint64
	Uplink      bool
	Beacon      bool
	Source      string
	Destination lorawan.DevAddr
	FPort       uint8
	FOpts       []byte
	Payload     []byte

	// Hop counts how many times a multicast downlink has been transmitted.
	Hop uint8
}

// Copy returns a deep copy.
func (p *Packet) Copy() *Packet {
	c := *p
	c.FOpts = append([]byte(nil), p.FOpts...)
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// Size is the number of bytes on air.
func (p *Packet) Size() int {
	if p.Beacon {
		return len(p.Payload)
	}
	return FrameOverhead + len(p.FOpts) + len(p.Payload)
}

func (p *Packet) String() string {
	dir := "down"
	if p.Uplink {
		dir = "up"
	}
	if p.Beacon {
		dir = "beacon"
	}
	return fmt.Sprintf("%s#%d[%s %s %dB hop=%d]", p.Source, p.ID, dir, p.Destination, p.Size(), p.Hop)
}

// TxParams are the channel settings of one transmission.
type TxParams struct {
	Frequency uint32
	DataRate  int
	Power     float64 // dBm
}

// RxInfo describes how a packet was received.
type RxInfo struct {
	Frequency uint32
	DataRate  int
	RSSI      float64
}
