package lorawan

import (
	"errors"
	"fmt"
	"time"
)

// Class B beacon timing (EU868 profile).
const (
	BeaconPeriod   = 128 * time.Second
	BeaconDelay    = 15 * time.Millisecond
	BeaconGuard    = 3 * time.Second
	BeaconReserved = 2120 * time.Millisecond
	BeaconWindow   = BeaconPeriod - BeaconGuard - BeaconReserved
	SlotLen        = 30 * time.Millisecond

	// SlotsPerBeaconWindow is the number of ping slots in one beacon window.
	SlotsPerBeaconWindow = 4096

	// MinimalBeaconlessOperation is how long a device keeps its Class B
	// schedule alive after the last received beacon.
	MinimalBeaconlessOperation = 128 * time.Minute

	// NetworkBeaconlessOperation bounds how long the network keeps scheduling
	// downlinks while no gateway could broadcast a beacon.
	NetworkBeaconlessOperation = 120 * time.Minute
)

// Receive window sizing, in symbols.
const (
	DefaultBeaconWindowSymbols = 8
	DefaultPingWindowSymbols   = 8
	MaxBeaconWindowSymbols     = 255
	MaxPingWindowSymbols       = 30
	SymbolExpansionFactor      = 2
)

// Default beacon and ping slot channel.
const (
	DefaultBeaconFrequency uint32 = 869525000
	DefaultBeaconDataRate         = 3
	DefaultPingFrequency   uint32 = 869525000
	DefaultPingDataRate           = 3
)

var (
	ErrInvalidPeriodicity = errors.New("ping slot periodicity must be in [0,7]")
	ErrInvalidPingNb      = errors.New("pingNb must be a power of two in [1,128]")
	ErrInvalidPingPeriod  = errors.New("pingPeriod must be a power of two in [32,4096]")
)

// NextBeaconBoundary returns the first beacon period boundary strictly after
// now, counted from the start of the clock.
func NextBeaconBoundary(now time.Duration) time.Duration {
	return (now/BeaconPeriod + 1) * BeaconPeriod
}

// NetworkBeaconlessPeriods is the number of beacon periods the network
// tolerates without a broadcast before it suspends Class B downlinks.
func NetworkBeaconlessPeriods() float64 {
	return float64(NetworkBeaconlessOperation) / float64(BeaconPeriod)
}

// PingSlotParameters holds the mutually derived ping slot settings.
// PingNb*PingPeriod is always SlotsPerBeaconWindow.
type PingSlotParameters struct {
	periodicity uint8
	pingNb      uint16
	pingPeriod  uint16

	// PingOffset is recomputed every beacon period.
	PingOffset uint16
}

// DefaultPingSlotParameters returns periodicity 0: 128 slots every 32 slot lengths.
func DefaultPingSlotParameters() PingSlotParameters {
	return PingSlotParameters{
		periodicity: 0,
		pingNb:      128,
		pingPeriod:  32,
		PingOffset:  31,
	}
}

// NewPingSlotParameters builds parameters from a periodicity value.
func NewPingSlotParameters(periodicity uint8) (PingSlotParameters, error) {
	p := DefaultPingSlotParameters()
	if err := p.SetPeriodicity(periodicity); err != nil {
		return p, err
	}
	return p, nil
}

func (p PingSlotParameters) Periodicity() uint8 { return p.periodicity }
func (p PingSlotParameters) PingNb() uint16     { return p.pingNb }
func (p PingSlotParameters) PingPeriod() uint16 { return p.pingPeriod }

// PingPeriodDuration is the time between two consecutive ping slots.
func (p PingSlotParameters) PingPeriodDuration() time.Duration {
	return time.Duration(p.pingPeriod) * SlotLen
}

// SetPeriodicity sets pingNb = 2^(7-periodicity) and pingPeriod = 2^(5+periodicity).
func (p *PingSlotParameters) SetPeriodicity(periodicity uint8) error {
	if periodicity > 7 {
		return fmt.Errorf("%w: got %d", ErrInvalidPeriodicity, periodicity)
	}
	p.periodicity = periodicity
	p.pingNb = 1 << (7 - periodicity)
	p.pingPeriod = SlotsPerBeaconWindow / p.pingNb
	return nil
}

// SetPingNb derives periodicity and pingPeriod from pingNb.
func (p *PingSlotParameters) SetPingNb(pingNb uint16) error {
	periodicity, ok := log2(pingNb)
	if !ok || pingNb > 128 {
		return fmt.Errorf("%w: got %d", ErrInvalidPingNb, pingNb)
	}
	return p.SetPeriodicity(7 - periodicity)
}

// SetPingPeriod derives periodicity and pingNb from pingPeriod.
func (p *PingSlotParameters) SetPingPeriod(pingPeriod uint16) error {
	exp, ok := log2(pingPeriod)
	if !ok || pingPeriod < 32 || pingPeriod > SlotsPerBeaconWindow {
		return fmt.Errorf("%w: got %d", ErrInvalidPingPeriod, pingPeriod)
	}
	return p.SetPeriodicity(exp - 5)
}

func log2(v uint16) (uint8, bool) {
	if v == 0 || v&(v-1) != 0 {
		return 0, false
	}
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n, true
}

// ExpandWindow multiplies a window length by SymbolExpansionFactor, capped at max.
func ExpandWindow(symbols, max uint8) uint8 {
	v := uint16(symbols) * SymbolExpansionFactor
	if v > uint16(max) {
		return max
	}
	return uint8(v)
}
