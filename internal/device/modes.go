package device

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrRadioBusy          = errors.New("radio is busy")
	ErrClassCUnsupported  = errors.New("class C is not supported")
	ErrPayloadTooLarge    = errors.New("payload exceeds the maximum for the data rate")
	ErrMulticastNotSet    = errors.New("multicast address is not set")
	ErrRelayGroupTooSmall = errors.New("coordinated relaying needs at least two group members")
)

// MacMode is what the MAC layer is currently doing.
type MacMode int

const (
	ModeIdle MacMode = iota
	ModeTx
	ModeRx1
	ModeRx2
	ModeBeaconGuard
	ModeBeaconReserved
	ModePingSlot
	// ModeRxBeaconGuard records that the guard started during Rx1 or Rx2.
	ModeRxBeaconGuard
	// ModePingSlotBeaconGuard records that the guard started during a ping slot.
	ModePingSlotBeaconGuard
)

var macModeNames = [...]string{
	ModeIdle:                "IDLE",
	ModeTx:                  "TX",
	ModeRx1:                 "RX1",
	ModeRx2:                 "RX2",
	ModeBeaconGuard:         "BEACON_GUARD",
	ModeBeaconReserved:      "BEACON_RESERVED",
	ModePingSlot:            "PING_SLOT",
	ModeRxBeaconGuard:       "RX_BEACON_GUARD",
	ModePingSlotBeaconGuard: "PING_SLOT_BEACON_GUARD",
}

func (m MacMode) String() string {
	if !m.valid() {
		return fmt.Sprintf("MacMode(%d)", int(m))
	}
	return macModeNames[m]
}

func (m MacMode) valid() bool {
	return m >= ModeIdle && m <= ModePingSlotBeaconGuard
}

// CanTransition reports whether the MAC may move from one mode to another.
func CanTransition(from, to MacMode) bool {
	if !to.valid() {
		return false
	}
	switch from {
	case ModeTx:
		return to == ModeIdle
	case ModeRx1, ModeRx2:
		return to == ModeIdle || to == ModeRxBeaconGuard
	case ModeRxBeaconGuard:
		return to == ModeBeaconGuard
	case ModeBeaconGuard:
		return to == ModeBeaconReserved
	case ModeBeaconReserved:
		return to == ModeIdle
	case ModePingSlot:
		return to == ModeIdle || to == ModePingSlotBeaconGuard
	case ModePingSlotBeaconGuard:
		return to == ModeBeaconGuard
	case ModeIdle:
		return to != ModeBeaconReserved && to != ModePingSlotBeaconGuard && to != ModeRxBeaconGuard
	}
	return false
}

// BeaconState is the device's view of beacon synchronization.
type BeaconState int

const (
	BeaconUnlocked BeaconState = iota
	BeaconSearch
	BeaconLocked
	Beaconless
)

func (s BeaconState) String() string {
	switch s {
	case BeaconUnlocked:
		return "UNLOCKED"
	case BeaconSearch:
		return "SEARCH"
	case BeaconLocked:
		return "LOCKED"
	case Beaconless:
		return "BEACONLESS"
	default:
		return fmt.Sprintf("BeaconState(%d)", int(s))
	}
}

// CanSchedulePings reports whether ping slots may be opened in this state.
func (s BeaconState) CanSchedulePings() bool {
	return s == BeaconLocked || s == Beaconless
}

// InvariantError is raised, as a panic value, when the state machine reaches a
// configuration that must be unreachable.
type InvariantError struct {
	DevAddr lorawan.DevAddr
	Op      string
	Msg     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("device %s: %s: invariant violated: %s", e.DevAddr, e.Op, e.Msg)
}

func invariant(addr lorawan.DevAddr, op, format string, args ...interface{}) {
	err := &InvariantError{DevAddr: addr, Op: op, Msg: fmt.Sprintf(format, args...)}
	log.Error().Str("dev_addr", addr.String()).Str("op", op).Msg(err.Msg)
	panic(err)
}
