package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BeaconPayloadSize is the EU868 beacon frame length.
const BeaconPayloadSize = 17

// Info descriptors.
const (
	InfoDescGPSFirstAntenna  uint8 = 0
	InfoDescGPSSecondAntenna uint8 = 1
	InfoDescGPSThirdAntenna  uint8 = 2
	InfoDescNetworkSpecific  uint8 = 128
)

var (
	ErrBeaconLength   = errors.New("beacon payload must be 17 bytes")
	ErrBeaconTimeZero = errors.New("beacon time must be set")
	ErrCRCMismatch    = errors.New("beacon crc mismatch")
	ErrBeaconInFuture = errors.New("beacon time is in the future")
)

// BeaconPayload is the common and gateway specific part of a Class B beacon.
//
// Layout: 2 RFU bytes, 4 byte big-endian time, 2 byte little-endian CRC over
// the first 6 bytes, info descriptor, then 8 little-endian bytes holding
// latitude/longitude (InfoDesc < 3) or network info (InfoDesc > 127) above a
// 16 bit CRC2 field. CRC2 is written as zero and never checked.
type BeaconPayload struct {
	Time      uint32 `json:"time"`
	InfoDesc  uint8  `json:"info_desc"`
	Latitude  uint32 `json:"latitude,omitempty"`
	Longitude uint32 `json:"longitude,omitempty"`
	Info      uint64 `json:"info,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p BeaconPayload) MarshalBinary() ([]byte, error) {
	if p.Time == 0 {
		return nil, ErrBeaconTimeZero
	}
	b := make([]byte, BeaconPayloadSize)
	binary.BigEndian.PutUint32(b[2:6], p.Time)
	binary.LittleEndian.PutUint16(b[6:8], CRC16(b[0:6]))
	b[8] = p.InfoDesc

	var crc2 uint64
	var field uint64
	switch {
	case p.InfoDesc < 3:
		field = (uint64(p.Latitude)<<40)&0xffffff0000000000 |
			(uint64(p.Longitude)<<16)&0x000000ffffff0000 |
			crc2
	case p.InfoDesc > 127:
		field = (p.Info&0xffffffffffff)<<16 | crc2
	}
	binary.LittleEndian.PutUint64(b[9:17], field)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. It checks the
// length and the CRC of the time field, not the time itself.
func (p *BeaconPayload) UnmarshalBinary(data []byte) error {
	if len(data) != BeaconPayloadSize {
		return fmt.Errorf("%w: got %d", ErrBeaconLength, len(data))
	}
	if got, want := binary.LittleEndian.Uint16(data[6:8]), CRC16(data[0:6]); got != want {
		return fmt.Errorf("%w: got %04x, want %04x", ErrCRCMismatch, got, want)
	}

	p.Time = binary.BigEndian.Uint32(data[2:6])
	p.InfoDesc = data[8]
	p.Latitude, p.Longitude, p.Info = 0, 0, 0

	field := binary.LittleEndian.Uint64(data[9:17])
	switch {
	case p.InfoDesc < 3:
		p.Latitude = uint32((field >> 40) & 0xffffff)
		p.Longitude = uint32((field >> 16) & 0xffffff)
	case p.InfoDesc > 127:
		p.Info = (field >> 16) & 0xffffffffffff
	}
	return nil
}

// ParseBeacon decodes data and rejects a beacon stamped after now (seconds).
// A matching CRC on a frame that carries no beacon usually shows up this way.
func ParseBeacon(data []byte, now uint32) (BeaconPayload, error) {
	var p BeaconPayload
	if err := p.UnmarshalBinary(data); err != nil {
		return p, err
	}
	if now < p.Time {
		return p, fmt.Errorf("%w: %d > %d", ErrBeaconInFuture, p.Time, now)
	}
	return p, nil
}

// CRC16 is the beacon CRC (CRC-16/KERMIT), computed bytewise.
func CRC16(data []byte) uint16 {
	var acc uint16
	for _, b := range data {
		acc ^= uint16(b)
		acc = (acc >> 8) | (acc << 8)
		acc ^= (acc & 0xff00) << 4
		acc ^= (acc >> 8) >> 4
		acc ^= (acc & 0xff00) >> 5
	}
	return acc
}
