package network

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/internal/stats"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// BeaconConfig is the beacon channel and the gateway specific part of the
// beacon frame.
type BeaconConfig struct {
	Frequency uint32
	DataRate  int
	InfoDesc  uint8
	Info      uint64
}

func (c *BeaconConfig) setDefaults() {
	if c.Frequency == 0 {
		c.Frequency = lorawan.DefaultBeaconFrequency
	}
	if c.DataRate == 0 {
		c.DataRate = lorawan.DefaultBeaconDataRate
	}
}

// BeaconCounters are the network beacon statistics.
type BeaconCounters struct {
	Broadcasted uint32 `json:"broadcasted"`
	Blocked     uint32 `json:"blocked"`
	// LastGateways is the number of gateways that sent the latest beacon.
	LastGateways int `json:"last_gateways"`
}

// BeaconScheduler broadcasts a beacon through every available beacon
// capable gateway once per beacon period and, after beacon reserved, hands
// the period to the downlink scheduler.
type BeaconScheduler struct {
	cfg      BeaconConfig
	sched    scheduler.Scheduler
	registry *Registry
	sink     events.Sink

	enabled        bool
	next           scheduler.Handle
	lastBeaconTime uint32
	tracker        stats.RunLengthTracker
	counters       BeaconCounters
	suspended      bool

	onPeriod func(beaconTime uint32)
}

func NewBeaconScheduler(cfg BeaconConfig, sched scheduler.Scheduler, registry *Registry, sink events.Sink) *BeaconScheduler {
	cfg.setDefaults()
	if sink == nil {
		sink = events.Discard
	}
	return &BeaconScheduler{
		cfg:      cfg,
		sched:    sched,
		registry: registry,
		sink:     sink,
	}
}

// OnPeriod sets the function run BeaconReserved after every beacon that
// opens a downlink period.
func (s *BeaconScheduler) OnPeriod(fn func(beaconTime uint32)) {
	s.onPeriod = fn
}

// Enable starts the broadcast at the next beacon boundary. Enabling twice
// is a no-op.
func (s *BeaconScheduler) Enable() {
	if s.enabled {
		return
	}
	s.enabled = true
	now := s.sched.Now()
	at := lorawan.NextBeaconBoundary(now) + lorawan.BeaconDelay
	s.next = s.sched.Schedule(at-now, s.broadcast)

	log.Info().
		Dur("first_beacon", at).
		Uint32("freq", s.cfg.Frequency).
		Int("dr", s.cfg.DataRate).
		Msg("beacon broadcast enabled")
}

// Disable stops the broadcast after the current period.
func (s *BeaconScheduler) Disable() {
	s.enabled = false
	s.sched.Cancel(s.next)
	s.next = 0
}

func (s *BeaconScheduler) Enabled() bool          { return s.enabled }
func (s *BeaconScheduler) LastBeaconTime() uint32 { return s.lastBeaconTime }
func (s *BeaconScheduler) Counters() BeaconCounters {
	return s.counters
}

// Tracker returns a copy of the sent/blocked run-length tracker.
func (s *BeaconScheduler) Tracker() stats.RunLengthTracker {
	return s.tracker
}

// Suspended reports whether too many consecutive beacons were blocked for
// Class B downlinks to be scheduled.
func (s *BeaconScheduler) Suspended() bool {
	return s.suspended
}

func (s *BeaconScheduler) broadcast() {
	s.next = s.sched.Schedule(lorawan.BeaconPeriod, s.broadcast)

	now := s.sched.Now()
	// A blocked period still advances the beacon time, so ping offsets stay
	// aligned with what beaconless devices compute.
	s.lastBeaconTime = lorawan.BeaconTimeField(now)
	gateways := s.sendBeacon(now)
	s.counters.LastGateways = gateways
	sent := gateways > 0

	if closed, ok := s.tracker.Record(sent); ok {
		s.sink.Handle(events.BroadcastRunLength{
			Header: s.header(),
			Sent:   closed.Success,
			Count:  closed.Length,
		})
	}

	if sent {
		s.counters.Broadcasted++
		s.suspended = false
		s.sink.Handle(events.BeaconBroadcast{
			Header:     s.header(),
			BeaconTime: s.lastBeaconTime,
			Gateways:   gateways,
		})
		log.Debug().
			Uint32("beacon_time", s.lastBeaconTime).
			Int("gateways", gateways).
			Msg("beacon broadcast")
		s.schedulePeriod()
		return
	}

	s.counters.Blocked++
	s.sink.Handle(events.BeaconBlocked{Header: s.header(), BeaconTime: s.lastBeaconTime})
	skipped := s.tracker.Count()
	// Downlinks of this period are only scheduled while one more blocked
	// period would still be within the beaconless operation time.
	if float64(skipped+1) >= lorawan.NetworkBeaconlessPeriods() {
		if !s.suspended {
			s.suspended = true
			s.sink.Handle(events.DownlinkSuspended{Header: s.header(), SkippedPeriods: skipped})
			log.Warn().
				Uint32("skipped_periods", skipped).
				Msg("no beacon broadcast for too long, class B downlinks suspended")
		}
		return
	}
	log.Info().
		Uint32("beacon_time", s.lastBeaconTime).
		Uint32("skipped_periods", skipped).
		Msg("beacon blocked on every gateway")
	s.schedulePeriod()
}

// sendBeacon transmits the beacon on every available beacon capable gateway
// and returns how many succeeded.
func (s *BeaconScheduler) sendBeacon(now time.Duration) int {
	payload, err := lorawan.BeaconPayload{
		Time:     s.lastBeaconTime,
		InfoDesc: s.cfg.InfoDesc,
		Info:     s.cfg.Info,
	}.MarshalBinary()
	if err != nil {
		log.Error().Err(err).Msg("building beacon payload")
		return 0
	}
	tx := radio.TxParams{Frequency: s.cfg.Frequency, DataRate: s.cfg.DataRate}

	var n int
	for _, gw := range s.registry.BeaconCapableGateways() {
		if !gw.IsAvailable(s.cfg.Frequency) {
			log.Debug().Str("gateway", gw.ID()).Msg("gateway unavailable for beacon")
			continue
		}
		gw.Reserve(now)
		if err := gw.Send(&radio.Packet{Beacon: true, Payload: payload}, tx); err != nil {
			log.Debug().Err(err).Str("gateway", gw.ID()).Msg("beacon not sent")
			continue
		}
		n++
	}
	return n
}

func (s *BeaconScheduler) schedulePeriod() {
	if s.onPeriod == nil {
		return
	}
	beaconTime := s.lastBeaconTime
	s.sched.Schedule(lorawan.BeaconReserved, func() {
		s.onPeriod(beaconTime)
	})
}

func (s *BeaconScheduler) header() events.Header {
	return events.Header{At: s.sched.Now()}
}
