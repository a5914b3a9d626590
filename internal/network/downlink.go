package network

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// DownlinkConfig sets how ping slot payloads are generated.
type DownlinkConfig struct {
	// Sequenced payloads carry a sequence number instead of filler bytes.
	Sequenced bool
	// PayloadSize: 0 picks a random size per address, anything at or above
	// the data rate maximum is clamped to it.
	PayloadSize int
	// FPort of every ping slot downlink.
	FPort uint8
}

// DownlinkCounters are the network ping slot statistics.
type DownlinkCounters struct {
	MulticastSent  uint64 `json:"multicast_sent"`
	UnicastSent    uint64 `json:"unicast_sent"`
	SlotsSkipped   uint64 `json:"slots_skipped"`
	PeriodsStarted uint64 `json:"periods_started"`
}

// PingTarget is an address the network sends ping slot downlinks to.
type PingTarget struct {
	Address   lorawan.DevAddr
	Multicast bool
	DataRate  int
	Frequency uint32
	PingSlot  lorawan.PingSlotParameters
}

// PingTarget returns the ping slot downlink target of the group.
func (g Group) PingTarget() PingTarget {
	return PingTarget{
		Address:   g.Address,
		Multicast: true,
		DataRate:  g.DataRate,
		Frequency: g.Frequency,
		PingSlot:  g.PingSlot,
	}
}

// PingTarget returns the unicast ping slot downlink target of the device.
func (d Device) PingTarget() PingTarget {
	return PingTarget{
		Address:   d.Address,
		DataRate:  d.DataRate,
		Frequency: d.Frequency,
		PingSlot:  d.PingSlot,
	}
}

// DownlinkScheduler sends one downlink in every ping slot of every
// multicast group and Class B unicast device.
type DownlinkScheduler struct {
	cfg      DownlinkConfig
	sched    scheduler.Scheduler
	registry *Registry
	region   *lorawan.RegionConfiguration
	sink     events.Sink
	rng      *rand.Rand

	generators map[lorawan.DevAddr]*Generator
	counters   DownlinkCounters
}

func NewDownlinkScheduler(cfg DownlinkConfig, sched scheduler.Scheduler, registry *Registry, region *lorawan.RegionConfiguration, sink events.Sink, rng *rand.Rand) *DownlinkScheduler {
	if sink == nil {
		sink = events.Discard
	}
	if cfg.FPort == 0 {
		cfg.FPort = 1
	}
	return &DownlinkScheduler{
		cfg:        cfg,
		sched:      sched,
		registry:   registry,
		region:     region,
		sink:       sink,
		rng:        rng,
		generators: make(map[lorawan.DevAddr]*Generator),
	}
}

func (s *DownlinkScheduler) Counters() DownlinkCounters {
	return s.counters
}

// Generator returns the payload generator of addr, if one was created.
func (s *DownlinkScheduler) Generator(addr lorawan.DevAddr) (*Generator, bool) {
	g, ok := s.generators[addr]
	return g, ok
}

// ScheduleClassBDownlink starts the ping slot chain of every group and
// Class B unicast device for the beacon period stamped beaconTime. It must
// run when beacon reserved ends.
func (s *DownlinkScheduler) ScheduleClassBDownlink(beaconTime uint32) {
	s.counters.PeriodsStarted++

	var targets []PingTarget
	for _, g := range s.registry.Groups() {
		targets = append(targets, g.PingTarget())
	}
	for _, d := range s.registry.Devices() {
		if d.ClassB {
			targets = append(targets, d.PingTarget())
		}
	}

	for _, t := range targets {
		t := t
		offset := lorawan.PingOffset(beaconTime, t.Address, t.PingSlot.PingPeriod())
		s.generator(t)
		s.sched.Schedule(time.Duration(offset)*lorawan.SlotLen, func() {
			s.SendPingDownlink(t, 0)
		})

		log.Debug().
			Str("addr", t.Address.String()).
			Bool("multicast", t.Multicast).
			Uint32("beacon_time", beaconTime).
			Uint16("offset", offset).
			Msg("class B downlinks scheduled")
	}
}

func (s *DownlinkScheduler) generator(t PingTarget) *Generator {
	if g, ok := s.generators[t.Address]; ok {
		return g
	}
	size := PayloadSize(s.cfg.PayloadSize, s.region.MaxAppPayload(t.DataRate), s.rng)
	g := NewGenerator(s.cfg.Sequenced, size)
	s.generators[t.Address] = g
	return g
}

// SendPingDownlink transmits one downlink in ping slot slot of t and chains
// the next slot of the period.
func (s *DownlinkScheduler) SendPingDownlink(t PingTarget, slot uint8) {
	g := s.generator(t)
	p := &radio.Packet{
		Destination: t.Address,
		FPort:       s.cfg.FPort,
		Payload:     g.Next(),
		Hop:         1,
	}
	tx := radio.TxParams{Frequency: t.Frequency, DataRate: t.DataRate}
	sequence := g.Sequence()

	if t.Multicast {
		n := s.sendMulticast(p, tx)
		if n > 0 {
			g.PacketSent(true)
			s.counters.MulticastSent++
			s.sink.Handle(events.MulticastPingSent{
				Header:    events.Header{At: s.sched.Now(), DevAddr: t.Address},
				Gateways:  n,
				PingNb:    t.PingSlot.PingNb(),
				Slot:      slot,
				Size:      p.Size(),
				Sequenced: g.Sequenced(),
				Sequence:  sequence,
			})
		} else {
			s.counters.SlotsSkipped++
			log.Debug().Str("group", t.Address.String()).Uint8("slot", slot).Msg("multicast ping not sent")
		}
	} else {
		if gw, ok := s.sendUnicast(t.Address, p, tx); ok {
			g.PacketSent(true)
			s.counters.UnicastSent++
			s.sink.Handle(events.UnicastPingSent{
				Header:    events.Header{At: s.sched.Now(), DevAddr: t.Address},
				Gateway:   gw.ID(),
				PingNb:    t.PingSlot.PingNb(),
				Slot:      slot,
				Size:      p.Size(),
				Sequenced: g.Sequenced(),
				Sequence:  sequence,
			})
		} else {
			s.counters.SlotsSkipped++
			log.Debug().Str("dev_addr", t.Address.String()).Uint8("slot", slot).Msg("unicast ping not sent")
		}
	}

	if uint16(slot)+1 < t.PingSlot.PingNb() {
		s.sched.Schedule(t.PingSlot.PingPeriodDuration(), func() {
			s.SendPingDownlink(t, slot+1)
		})
	}
}

// sendMulticast transmits p through every available gateway serving the
// group and returns how many succeeded.
func (s *DownlinkScheduler) sendMulticast(p *radio.Packet, tx radio.TxParams) int {
	now := s.sched.Now()
	var n int
	for _, gw := range s.registry.GatewaysServing(p.Destination) {
		if !gw.IsAvailable(tx.Frequency) {
			continue
		}
		gw.Reserve(now)
		if err := gw.Send(p.Copy(), tx); err != nil {
			log.Debug().Err(err).Str("gateway", gw.ID()).Msg("multicast ping refused")
			continue
		}
		n++
	}
	return n
}

func (s *DownlinkScheduler) sendUnicast(addr lorawan.DevAddr, p *radio.Packet, tx radio.TxParams) (*gateway.Gateway, bool) {
	gw := s.registry.BestGateway(addr)
	if gw == nil || !gw.ClassBEnabled() || !gw.IsAvailable(tx.Frequency) {
		return nil, false
	}
	gw.Reserve(s.sched.Now())
	if err := gw.Send(p, tx); err != nil {
		log.Debug().Err(err).Str("gateway", gw.ID()).Msg("unicast ping refused")
		return nil, false
	}
	return gw, true
}
