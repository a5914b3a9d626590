// Package device implements the end device side of LoRaWAN Class B: beacon
// search and tracking, beaconless operation, ping slot scheduling and the
// arbitration between Class B periods and ordinary Class A traffic.
package device

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/internal/stats"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// Defaults applied by NewController to zero Config fields.
const (
	DefaultReceiveWindowSymbols = 8
	DefaultMaxHop               = 2
	DefaultMaxBandTxPower       = 27.0
	DefaultTxPower              = 14.0
)

// Config holds the provisioning of one end device.
type Config struct {
	DevAddr lorawan.DevAddr
	// MulticastAddr is the group the device belongs to. The zero address
	// means no group.
	MulticastAddr lorawan.DevAddr
	Multicast     bool

	DataRate             int
	Frequency            uint32
	TxPower              float64
	RX1DROffset          uint8
	RX2Frequency         uint32
	RX2DataRate          int
	ReceiveWindowSymbols uint8

	// A zero beacon or ping frequency selects the default channel and data
	// rate together.
	BeaconFrequency uint32
	BeaconDataRate  int
	PingFrequency   uint32
	PingDataRate    int
	Periodicity     uint8

	Relay          bool
	RelayGroupSize int
	MaxHop         uint8
	MaxBandTxPower float64
	MarginTxPower  float64
}

// DownlinkHandler receives every Class B downlink addressed to the device.
type DownlinkHandler func(service events.ServiceType, p *radio.Packet, slot uint8)

// Counters are the device's Class B statistics.
type Counters struct {
	SuccessfulBeacons    uint32 `json:"successful_beacons"`
	MissedBeacons        uint32 `json:"missed_beacons"`
	ConsecutiveMissed    uint32 `json:"consecutive_missed"`
	MaxConsecutiveMissed uint32 `json:"max_consecutive_missed"`
	PingsReceived        uint32 `json:"pings_received"`
	FailedPings          uint32 `json:"failed_pings"`
	AttemptsToClassB     uint32 `json:"attempts_to_class_b"`
	Overheard            uint32 `json:"overheard"`
	Relayed              uint32 `json:"relayed"`
	UplinksSent          uint32 `json:"uplinks_sent"`
	DownlinksReceived    uint32 `json:"downlinks_received"`
}

// Controller is the Class B MAC of one end device. It is driven entirely by
// the scheduler: every method must be called from the event loop.
type Controller struct {
	cfg      Config
	region   *lorawan.RegionConfiguration
	sched    scheduler.Scheduler
	medium   *radio.Medium
	sink     events.Sink
	rng      *rand.Rand
	strategy ConflictStrategy
	radio    radio.Transceiver

	class       lorawan.DeviceClass
	mode        MacMode
	beaconState BeaconState
	pingSlot    lorawan.PingSlotParameters

	beaconSymbols uint8
	pingSymbols   uint8

	// Beacon time stamps in seconds: the last one received from the
	// network, and the device's running estimate while beaconless.
	gwBcnTime     uint32
	deviceBcnTime uint32

	multicast   bool
	relay       bool
	relayPower  float64
	relayPacket *radio.Packet
	lastSlot    uint8

	endGuard     scheduler.Handle
	endReserved  scheduler.Handle
	nextGuard    scheduler.Handle
	closeWindow  scheduler.Handle
	rx1          scheduler.Handle
	rx2          scheduler.Handle
	nextTx       scheduler.Handle
	pendingPings []scheduler.Handle

	pendingPeriodicity *uint8
	macCommands        []lorawan.MACCommand

	beaconRuns stats.RunLengthTracker
	counters   Counters

	onLocked   func()
	onLost     func()
	onDownlink DownlinkHandler
}

// NewController creates a Class A device attached to the medium.
func NewController(cfg Config, sched scheduler.Scheduler, medium *radio.Medium, region *lorawan.RegionConfiguration, sink events.Sink, rng *rand.Rand) (*Controller, error) {
	setConfigDefaults(&cfg, region)
	for _, dr := range []int{cfg.DataRate, cfg.RX2DataRate, cfg.BeaconDataRate, cfg.PingDataRate} {
		if _, err := region.DataRate(dr); err != nil {
			return nil, fmt.Errorf("device %s: %w", cfg.DevAddr, err)
		}
	}
	pingSlot, err := lorawan.NewPingSlotParameters(cfg.Periodicity)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.DevAddr, err)
	}
	if sink == nil {
		sink = events.Discard
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	c := &Controller{
		cfg:           cfg,
		region:        region,
		sched:         sched,
		medium:        medium,
		sink:          sink,
		rng:           rng,
		strategy:      AlgorithmOne{},
		class:         lorawan.ClassA,
		mode:          ModeIdle,
		beaconState:   BeaconUnlocked,
		pingSlot:      pingSlot,
		beaconSymbols: lorawan.DefaultBeaconWindowSymbols,
		pingSymbols:   lorawan.DefaultPingWindowSymbols,
	}
	if cfg.Multicast {
		if err := c.EnableMulticast(cfg.MulticastAddr); err != nil {
			return nil, err
		}
	}
	if cfg.Relay {
		if err := c.EnableCoordinatedRelaying(cfg.RelayGroupSize); err != nil {
			return nil, err
		}
	}
	medium.Attach(c)
	return c, nil
}

func setConfigDefaults(cfg *Config, region *lorawan.RegionConfiguration) {
	if cfg.Frequency == 0 && len(region.DefaultChannels) > 0 {
		cfg.Frequency = region.DefaultChannels[0].Frequency
	}
	if cfg.TxPower == 0 {
		cfg.TxPower = DefaultTxPower
	}
	if cfg.RX2Frequency == 0 {
		cfg.RX2Frequency = region.DefaultRX2Freq
		cfg.RX2DataRate = region.DefaultRX2DR
	}
	if cfg.ReceiveWindowSymbols == 0 {
		cfg.ReceiveWindowSymbols = DefaultReceiveWindowSymbols
	}
	if cfg.BeaconFrequency == 0 {
		cfg.BeaconFrequency = lorawan.DefaultBeaconFrequency
		cfg.BeaconDataRate = lorawan.DefaultBeaconDataRate
	}
	if cfg.PingFrequency == 0 {
		cfg.PingFrequency = lorawan.DefaultPingFrequency
		cfg.PingDataRate = lorawan.DefaultPingDataRate
	}
	if cfg.MaxHop == 0 {
		cfg.MaxHop = DefaultMaxHop
	}
	if cfg.MaxBandTxPower == 0 {
		cfg.MaxBandTxPower = DefaultMaxBandTxPower
	}
}

// SetConflictStrategy replaces AlgorithmOne.
func (c *Controller) SetConflictStrategy(s ConflictStrategy) {
	c.strategy = s
}

func (c *Controller) OnBeaconLocked(fn func())       { c.onLocked = fn }
func (c *Controller) OnBeaconLost(fn func())         { c.onLost = fn }
func (c *Controller) OnDownlink(fn DownlinkHandler) { c.onDownlink = fn }

// ID implements radio.Endpoint.
func (c *Controller) ID() string {
	return c.cfg.DevAddr.String()
}

func (c *Controller) DevAddr() lorawan.DevAddr       { return c.cfg.DevAddr }
func (c *Controller) MulticastAddr() lorawan.DevAddr { return c.cfg.MulticastAddr }
func (c *Controller) Class() lorawan.DeviceClass     { return c.class }
func (c *Controller) Mode() MacMode                  { return c.mode }
func (c *Controller) BeaconState() BeaconState       { return c.beaconState }
func (c *Controller) Counters() Counters             { return c.counters }
func (c *Controller) MulticastEnabled() bool         { return c.multicast }
func (c *Controller) RelayEnabled() bool             { return c.relay }
func (c *Controller) RelayPower() float64            { return c.relayPower }
func (c *Controller) LastSlot() uint8                { return c.lastSlot }
func (c *Controller) RadioState() radio.State        { return c.radio.State() }

// PingSlotParameters returns the current ping slot settings, including the
// offset of the running beacon period.
func (c *Controller) PingSlotParameters() lorawan.PingSlotParameters {
	return c.pingSlot
}

// WindowSymbols returns the current beacon and ping receive window lengths.
func (c *Controller) WindowSymbols() (beacon, ping uint8) {
	return c.beaconSymbols, c.pingSymbols
}

// BeaconTimes returns the last network beacon time and the device's own
// estimate, in seconds.
func (c *Controller) BeaconTimes() (gateway, device uint32) {
	return c.gwBcnTime, c.deviceBcnTime
}

// BeaconRuns exposes the hit and miss run statistics.
func (c *Controller) BeaconRuns() stats.RunLengthTracker {
	return c.beaconRuns
}

// PendingPingSlots counts ping slots scheduled but not yet opened.
func (c *Controller) PendingPingSlots() int {
	n := 0
	for _, h := range c.pendingPings {
		if c.sched.Pending(h) {
			n++
		}
	}
	return n
}

// ChannelPlan returns the beacon and ping channels in use.
func (c *Controller) ChannelPlan() (beaconFreq uint32, beaconDR int, pingFreq uint32, pingDR int) {
	return c.cfg.BeaconFrequency, c.cfg.BeaconDataRate, c.cfg.PingFrequency, c.cfg.PingDataRate
}

// SetPeriodicity changes the ping slot periodicity. It applies from the next
// beacon period.
func (c *Controller) SetPeriodicity(periodicity uint8) error {
	if err := c.pingSlot.SetPeriodicity(periodicity); err != nil {
		return fmt.Errorf("device %s: %w", c.cfg.DevAddr, err)
	}
	return nil
}

// EnableMulticast makes the device listen to, and compute its ping offset
// from, the multicast address.
func (c *Controller) EnableMulticast(addr lorawan.DevAddr) error {
	if addr.IsZero() {
		return fmt.Errorf("device %s: %w", c.cfg.DevAddr, ErrMulticastNotSet)
	}
	c.cfg.MulticastAddr = addr
	c.multicast = true
	return nil
}

func (c *Controller) DisableMulticast() {
	c.multicast = false
}

// EnableCoordinatedRelaying lets the device repeat overheard multicast
// downlinks in its next ping slot. The band power is shared among the group.
func (c *Controller) EnableCoordinatedRelaying(groupSize int) error {
	if groupSize < 2 {
		return fmt.Errorf("device %s: %w: got %d", c.cfg.DevAddr, ErrRelayGroupTooSmall, groupSize)
	}
	c.relayPower = (c.cfg.MaxBandTxPower + c.cfg.MarginTxPower) / float64(groupSize)
	c.relay = true
	return nil
}

// SwitchToClassB starts the beacon search. The device becomes Class B at the
// end of the first beacon reserved period in which it received a beacon.
func (c *Controller) SwitchToClassB() error {
	if c.class == lorawan.ClassB {
		log.Warn().Str("dev_addr", c.ID()).Msg("device already operating in class B")
		return fmt.Errorf("switch to class B: already in class B: %w", ErrInvalidRequest)
	}
	if c.beaconState != BeaconUnlocked {
		log.Warn().
			Str("dev_addr", c.ID()).
			Str("beacon_state", c.beaconState.String()).
			Msg("switch to class B already in progress")
		return fmt.Errorf("switch to class B: beacon state %s: %w", c.beaconState, ErrInvalidRequest)
	}

	now := c.sched.Now()
	beaconAt := lorawan.NextBeaconBoundary(now) + lorawan.BeaconDelay
	guardAt := beaconAt - lorawan.BeaconGuard
	if guardAt < now {
		guardAt += lorawan.BeaconPeriod
	}
	c.nextGuard = c.sched.Schedule(guardAt-now, c.startBeaconGuard)

	c.setBeaconState(BeaconSearch)
	c.resetWindows()
	c.counters.AttemptsToClassB++

	log.Debug().
		Str("dev_addr", c.ID()).
		Dur("guard_at", guardAt).
		Uint32("attempt", c.counters.AttemptsToClassB).
		Msg("beacon search started")
	return nil
}

// SwitchFromClassB returns the device to Class A and cancels every pending
// ping slot and the next beacon guard.
func (c *Controller) SwitchFromClassB() error {
	if c.class != lorawan.ClassB {
		return fmt.Errorf("switch from class B: device is class %s: %w", c.class, ErrInvalidRequest)
	}
	c.setBeaconState(BeaconUnlocked)
	c.setClass(lorawan.ClassA)
	c.cancelPingSlots()
	c.sched.Cancel(c.nextGuard)
	c.nextGuard = 0
	c.relayPacket = nil

	log.Info().Str("dev_addr", c.ID()).Msg("switched back to class A")
	return nil
}

// SetDeviceClass applies a class change requested by the application. Class
// B can only be entered through SwitchToClassB.
func (c *Controller) SetDeviceClass(class lorawan.DeviceClass) error {
	switch class {
	case lorawan.ClassA:
		if c.class == lorawan.ClassA {
			return nil
		}
		return c.SwitchFromClassB()
	case lorawan.ClassB:
		if c.class == lorawan.ClassB {
			return nil
		}
		return fmt.Errorf("set class B: use SwitchToClassB to lock a beacon first: %w", ErrInvalidRequest)
	case lorawan.ClassC:
		return fmt.Errorf("set device class: %w", ErrClassCUnsupported)
	}
	return fmt.Errorf("set device class %s: %w", class, ErrInvalidRequest)
}

func (c *Controller) header() events.Header {
	return events.Header{At: c.sched.Now(), DevAddr: c.cfg.DevAddr}
}

func (c *Controller) setMode(to MacMode) {
	from := c.mode
	if !CanTransition(from, to) {
		invariant(c.cfg.DevAddr, "set mac mode", "cannot switch from %s to %s", from, to)
	}
	c.mode = to
	if from != to {
		c.sink.Handle(events.MacModeChanged{Header: c.header(), From: from.String(), To: to.String()})
	}
}

func (c *Controller) setBeaconState(to BeaconState) {
	from := c.beaconState
	c.beaconState = to
	if from != to {
		c.sink.Handle(events.BeaconStateChanged{Header: c.header(), From: from.String(), To: to.String()})
	}
}

func (c *Controller) setClass(to lorawan.DeviceClass) {
	from := c.class
	c.class = to
	if from != to {
		c.sink.Handle(events.ClassChanged{Header: c.header(), From: from, To: to})
	}
}

func (c *Controller) resetWindows() {
	c.beaconSymbols = lorawan.DefaultBeaconWindowSymbols
	c.pingSymbols = lorawan.DefaultPingWindowSymbols
}

// windowDuration converts a window length in symbols to time at dr.
func (c *Controller) windowDuration(symbols uint8, dr int) time.Duration {
	st, err := c.region.SymbolTime(dr)
	if err != nil {
		invariant(c.cfg.DevAddr, "window duration", "%v", err)
	}
	return time.Duration(symbols) * st
}
