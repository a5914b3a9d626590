package device

import (
	"math/rand"
	"time"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// Worst case Class A exchange used to decide whether an uplink still fits
// before the next beacon guard.
const (
	LongestTx          = 2500 * time.Millisecond
	ReceiveDelay1      = time.Second
	ReceiveDelay2      = 2 * time.Second
	WorstCaseRxWindow  = 163840 * time.Microsecond
	GuardPostponement  = 5120 * time.Millisecond
	BusyRetryDelay     = time.Second
	classAExchangeTime = LongestTx + ReceiveDelay1 + WorstCaseRxWindow + ReceiveDelay2 + WorstCaseRxWindow
)

// ConflictState is what a ConflictStrategy sees when an uplink is about to
// start.
type ConflictState struct {
	Class lorawan.DeviceClass
	Mode  MacMode

	// GuardRemaining is the time left in the running beacon guard.
	GuardRemaining time.Duration
	// ReservedRemaining is the time left in the beacon reserved period that
	// is running or, during the guard, about to start.
	ReservedRemaining time.Duration
	// NextGuard is the time until the next beacon guard, 0 when none is
	// scheduled.
	NextGuard  time.Duration
	PingOffset uint16
}

// ConflictStrategy decides how long a Class A uplink must wait so that it and
// its receive windows stay clear of Class B activity. Zero means send now.
type ConflictStrategy interface {
	TransmitDelay(s ConflictState, rng *rand.Rand) time.Duration
}

// ConflictStrategyFunc adapts a function to ConflictStrategy.
type ConflictStrategyFunc func(s ConflictState, rng *rand.Rand) time.Duration

func (f ConflictStrategyFunc) TransmitDelay(s ConflictState, rng *rand.Rand) time.Duration {
	return f(s, rng)
}

// AlgorithmOne always postpones the uplink past the colliding Class B period,
// then spreads it over a random part of the ping offset so that devices of
// one group do not all transmit at the same instant.
type AlgorithmOne struct{}

var _ ConflictStrategy = AlgorithmOne{}

func (AlgorithmOne) TransmitDelay(s ConflictState, rng *rand.Rand) time.Duration {
	switch s.Mode {
	case ModeBeaconGuard, ModeRxBeaconGuard, ModePingSlotBeaconGuard:
		return s.GuardRemaining + s.ReservedRemaining + jitter(s.PingOffset, rng)
	case ModeBeaconReserved:
		return s.ReservedRemaining + jitter(s.PingOffset, rng)
	case ModePingSlot:
		return jitter(s.PingOffset, rng)
	case ModeTx, ModeRx1, ModeRx2:
		return BusyRetryDelay
	}

	if s.Class != lorawan.ClassB {
		return 0
	}
	if s.NextGuard < classAExchangeTime {
		return s.NextGuard + GuardPostponement + jitter(s.PingOffset, rng)
	}
	return 0
}

// jitter is uniform in [0, offset*SlotLen).
func jitter(offset uint16, rng *rand.Rand) time.Duration {
	max := int64(offset) * int64(lorawan.SlotLen)
	if max <= 0 || rng == nil {
		return 0
	}
	return time.Duration(rng.Int63n(max))
}
