package lorawan

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length")
	}

	copy(e[:], b)
	return nil
}

// DevAddr represents a 4-byte device address, most significant byte first.
type DevAddr [4]byte

// DevAddrFromUint32 builds an address from its integer form.
func DevAddrFromUint32(v uint32) DevAddr {
	var d DevAddr
	binary.BigEndian.PutUint32(d[:], v)
	return d
}

// ParseDevAddr parses an 8 character hex address, with or without a 0x prefix.
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse devaddr %q: %w", s, err)
	}
	if len(b) != 4 {
		return d, fmt.Errorf("invalid DevAddr length %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Uint32 returns the integer form of the address.
func (d DevAddr) Uint32() uint32 {
	return binary.BigEndian.Uint32(d[:])
}

// IsZero reports whether the address is unset.
func (d DevAddr) IsZero() bool {
	return d == DevAddr{}
}

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	v, err := ParseDevAddr(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// DeviceClass is the LoRaWAN operating class of an end device.
type DeviceClass byte

const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

func (c DeviceClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	default:
		return fmt.Sprintf("DeviceClass(%d)", byte(c))
	}
}

// ParseDeviceClass accepts "A", "B" or "C" (case insensitive).
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return ClassA, nil
	case "B":
		return ClassB, nil
	case "C":
		return ClassC, nil
	}
	return ClassA, fmt.Errorf("unknown device class %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (c DeviceClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *DeviceClass) UnmarshalText(text []byte) error {
	v, err := ParseDeviceClass(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
