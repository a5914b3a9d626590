package lorawan

import (
	"encoding"
	"fmt"

	brocaar "github.com/brocaar/lorawan"
)

// MACCommand represents a MAC command
type MACCommand struct {
	CID     byte
	Payload []byte
}

// MAC command identifiers
const (
	LinkCheckReq       = byte(brocaar.LinkCheckReq)
	LinkCheckAns       = byte(brocaar.LinkCheckAns)
	DevStatusReq       = byte(brocaar.DevStatusReq)
	DevStatusAns       = byte(brocaar.DevStatusAns)
	DeviceTimeReq      = byte(brocaar.DeviceTimeReq)
	DeviceTimeAns      = byte(brocaar.DeviceTimeAns)
	PingSlotInfoReq    = byte(brocaar.PingSlotInfoReq)
	PingSlotInfoAns    = byte(brocaar.PingSlotInfoAns)
	PingSlotChannelReq = byte(brocaar.PingSlotChannelReq)
	PingSlotChannelAns = byte(brocaar.PingSlotChannelAns)
	BeaconFreqReq      = byte(brocaar.BeaconFreqReq)
	BeaconFreqAns      = byte(brocaar.BeaconFreqAns)
)

// Class B MAC command payloads.
type (
	PingSlotInfoReqPayload    = brocaar.PingSlotInfoReqPayload
	PingSlotChannelReqPayload = brocaar.PingSlotChannelReqPayload
	PingSlotChannelAnsPayload = brocaar.PingSlotChannelAnsPayload
	BeaconFreqReqPayload      = brocaar.BeaconFreqReqPayload
	BeaconFreqAnsPayload      = brocaar.BeaconFreqAnsPayload
	DeviceTimeAnsPayload      = brocaar.DeviceTimeAnsPayload
)

// ParseMACCommands parses MAC commands from bytes
func ParseMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for i := 0; i < len(data); {
		cmd := MACCommand{
			CID: data[i],
		}
		i++

		payloadLen := getMACCommandPayloadLength(uplink, cmd.CID)
		if payloadLen < 0 {
			return nil, fmt.Errorf("unknown MAC command: %02x", cmd.CID)
		}

		if i+payloadLen > len(data) {
			return nil, fmt.Errorf("insufficient data for MAC command %02x", cmd.CID)
		}

		cmd.Payload = data[i : i+payloadLen]
		i += payloadLen

		commands = append(commands, cmd)
	}

	return commands, nil
}

// getMACCommandPayloadLength returns the payload length for a MAC command
func getMACCommandPayloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheckReq:
			return 0
		case DevStatusAns:
			return 2
		case DeviceTimeReq:
			return 0
		case PingSlotInfoReq:
			return 1
		case PingSlotChannelAns:
			return 1
		case BeaconFreqAns:
			return 1
		default:
			return -1
		}
	}
	switch cid {
	case LinkCheckAns:
		return 2
	case DevStatusReq:
		return 0
	case DeviceTimeAns:
		return 5
	case PingSlotInfoAns:
		return 0
	case PingSlotChannelReq:
		return 4
	case BeaconFreqReq:
		return 3
	default:
		return -1
	}
}

// EncodeMACCommands encodes MAC commands to bytes
func EncodeMACCommands(commands []MACCommand) ([]byte, error) {
	var data []byte

	for _, cmd := range commands {
		data = append(data, cmd.CID)
		data = append(data, cmd.Payload...)
	}

	return data, nil
}

// NewMACCommand encodes payload behind cid.
func NewMACCommand(cid byte, payload encoding.BinaryMarshaler) (MACCommand, error) {
	b, err := payload.MarshalBinary()
	if err != nil {
		return MACCommand{}, fmt.Errorf("mac command %02x: %w", cid, err)
	}
	return MACCommand{CID: cid, Payload: b}, nil
}

// NewPingSlotInfoReq builds the PingSlotInfoReq for periodicity.
func NewPingSlotInfoReq(periodicity uint8) (MACCommand, error) {
	if _, err := NewPingSlotParameters(periodicity); err != nil {
		return MACCommand{}, err
	}
	return NewMACCommand(PingSlotInfoReq, PingSlotInfoReqPayload{Periodicity: periodicity})
}
