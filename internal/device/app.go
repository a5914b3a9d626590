package device

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
)

// App defaults.
const (
	DefaultClassBDelay     = time.Minute
	DefaultInitialDelay    = time.Second
	DefaultSendingInterval = 10 * time.Second
	DefaultPacketSize      = 10
)

// AppConfig drives the application running on top of a Controller.
type AppConfig struct {
	// ClassBDelay is the wait before the first switch to Class B and before
	// every retry after the beacon was lost.
	ClassBDelay time.Duration
	// Attempts bounds the number of SwitchToClassB calls. 0 means unlimited.
	Attempts int

	PeriodicUplinks bool
	InitialDelay    time.Duration
	SendingInterval time.Duration
	PacketSize      int
	// RandomExtra adds a uniform [0, RandomExtra] number of bytes to every
	// uplink.
	RandomExtra int

	// Fragmented enables loss accounting on sequenced downlinks numbered
	// FirstFragment..LastFragment.
	Fragmented    bool
	FirstFragment uint64
	LastFragment  uint64
}

func (c *AppConfig) setDefaults() {
	if c.ClassBDelay == 0 {
		c.ClassBDelay = DefaultClassBDelay
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.SendingInterval == 0 {
		c.SendingInterval = DefaultSendingInterval
	}
	if c.PacketSize == 0 {
		c.PacketSize = DefaultPacketSize
	}
}

// App switches its device to Class B, keeps retrying when the beacon is
// lost, sends periodic uplinks while locked and tracks fragment loss.
type App struct {
	cfg   AppConfig
	ctrl  *Controller
	sched scheduler.Scheduler
	sink  events.Sink
	rng   *rand.Rand

	decoder  *FragmentDecoder
	attempts int
	started  bool

	sendEvent   scheduler.Handle
	switchEvent scheduler.Handle
}

// NewApp installs the application callbacks on ctrl.
func NewApp(cfg AppConfig, ctrl *Controller, sink events.Sink) *App {
	cfg.setDefaults()
	if sink == nil {
		sink = events.Discard
	}
	a := &App{
		cfg:   cfg,
		ctrl:  ctrl,
		sched: ctrl.sched,
		sink:  sink,
		rng:   ctrl.rng,
	}
	ctrl.OnBeaconLocked(a.beaconLocked)
	ctrl.OnBeaconLost(a.beaconLost)
	ctrl.OnDownlink(a.downlink)
	return a
}

// Start schedules the first switch to Class B.
func (a *App) Start() {
	if a.started {
		return
	}
	a.started = true
	if a.cfg.Fragmented {
		maxSize := a.ctrl.region.MaxAppPayload(a.ctrl.cfg.PingDataRate)
		a.decoder = NewFragmentDecoder(a.cfg.FirstFragment, a.cfg.LastFragment, maxSize)
	}
	a.switchEvent = a.sched.Schedule(a.cfg.ClassBDelay, a.switchToClassB)
}

// Stop cancels pending uplinks and switch attempts.
func (a *App) Stop() {
	a.sched.Cancel(a.sendEvent)
	a.sched.Cancel(a.switchEvent)
	a.sendEvent, a.switchEvent = 0, 0
	a.started = false
}

// Attempts returns how many times the app asked for Class B.
func (a *App) Attempts() int {
	return a.attempts
}

// Decoder returns the fragment decoder, nil unless fragmented reception is on.
func (a *App) Decoder() *FragmentDecoder {
	return a.decoder
}

func (a *App) switchToClassB() {
	a.switchEvent = 0
	if a.cfg.Attempts != 0 && a.attempts >= a.cfg.Attempts {
		log.Info().
			Str("dev_addr", a.ctrl.ID()).
			Int("attempts", a.attempts).
			Msg("giving up on class B")
		return
	}
	a.attempts++
	if err := a.ctrl.SwitchToClassB(); err != nil {
		log.Debug().Err(err).Str("dev_addr", a.ctrl.ID()).Msg("switch to class B refused")
	}
}

func (a *App) beaconLocked() {
	a.sched.Cancel(a.switchEvent)
	a.switchEvent = 0
	if !a.cfg.PeriodicUplinks {
		return
	}
	a.sched.Cancel(a.sendEvent)
	a.sendEvent = a.sched.Schedule(a.cfg.InitialDelay, a.sendPacket)
}

func (a *App) beaconLost() {
	a.sched.Cancel(a.switchEvent)
	a.sched.Cancel(a.sendEvent)
	a.sendEvent = 0
	a.switchEvent = a.sched.Schedule(a.cfg.ClassBDelay, a.switchToClassB)
}

func (a *App) sendPacket() {
	size := a.cfg.PacketSize
	if a.cfg.RandomExtra > 0 {
		size += a.rng.Intn(a.cfg.RandomExtra + 1)
	}
	if max := a.ctrl.region.MaxAppPayload(a.ctrl.cfg.DataRate); size > max {
		size = max
	}
	if err := a.ctrl.Send(make([]byte, size)); err != nil {
		log.Warn().Err(err).Str("dev_addr", a.ctrl.ID()).Msg("periodic uplink not sent")
	}
	a.sendEvent = a.sched.Schedule(a.cfg.SendingInterval, a.sendPacket)
}

func (a *App) downlink(service events.ServiceType, p *radio.Packet, slot uint8) {
	if a.decoder == nil {
		return
	}
	seq, skipped := a.decoder.Received(p.Payload)
	if skipped == 0 {
		return
	}
	log.Debug().
		Str("dev_addr", a.ctrl.ID()).
		Str("service", string(service)).
		Uint64("sequence", seq).
		Uint64("skipped", skipped).
		Uint8("slot", slot).
		Msg("fragments missed")
	a.sink.Handle(events.FragmentsMissed{
		Header:  a.ctrl.header(),
		Service: service,
		Current: skipped,
		Total:   a.decoder.TotalMissed(),
	})
}
