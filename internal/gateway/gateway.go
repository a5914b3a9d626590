// Package gateway implements the gateway side of the simulated radio: it
// transmits beacons and ping slot downlinks for the network server and hands
// received uplinks back to it.
package gateway

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// ReservationGuard is how long a reservation blocks other transmissions.
const ReservationGuard = time.Millisecond

var (
	ErrUnavailable = errors.New("gateway is not available for transmission")
)

// UplinkHandler receives every uplink the gateway demodulated.
type UplinkHandler func(gw *Gateway, p *radio.Packet, info radio.RxInfo)

// Config holds the per-gateway settings.
type Config struct {
	ID               string
	BeaconEnabled    bool
	ClassBEnabled    bool
	DutyCycleEnabled bool
	TxPower          float64
	MulticastGroups  []lorawan.DevAddr
}

// Counters are the gateway's transmit statistics.
type Counters struct {
	BeaconsSent     uint64 `json:"beacons_sent"`
	DownlinksSent   uint64 `json:"downlinks_sent"`
	UplinksReceived uint64 `json:"uplinks_received"`
	Refused         uint64 `json:"refused"`
}

// Gateway is a simulated half-duplex gateway.
type Gateway struct {
	cfg    Config
	sched  scheduler.Scheduler
	medium *radio.Medium
	region *lorawan.RegionConfiguration

	groups        map[lorawan.DevAddr]struct{}
	busyUntil     time.Duration
	reservedAt    time.Duration
	reserved      bool
	nextFree      map[int]time.Duration
	uplinkHandler UplinkHandler
	counters      Counters
}

// New creates a gateway and attaches it to the medium.
func New(cfg Config, sched scheduler.Scheduler, medium *radio.Medium, region *lorawan.RegionConfiguration) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		sched:    sched,
		medium:   medium,
		region:   region,
		groups:   make(map[lorawan.DevAddr]struct{}),
		nextFree: make(map[int]time.Duration),
	}
	for _, addr := range cfg.MulticastGroups {
		g.groups[addr] = struct{}{}
	}
	medium.Attach(g)
	return g
}

func (g *Gateway) ID() string {
	return g.cfg.ID
}

func (g *Gateway) BeaconEnabled() bool {
	return g.cfg.BeaconEnabled
}

func (g *Gateway) SetBeaconEnabled(v bool) {
	g.cfg.BeaconEnabled = v
}

func (g *Gateway) ClassBEnabled() bool {
	return g.cfg.ClassBEnabled
}

func (g *Gateway) SetClassBEnabled(v bool) {
	g.cfg.ClassBEnabled = v
}

// JoinGroup registers the gateway to serve a multicast group.
func (g *Gateway) JoinGroup(addr lorawan.DevAddr) {
	g.groups[addr] = struct{}{}
}

// InGroup reports whether the gateway serves the multicast group.
func (g *Gateway) InGroup(addr lorawan.DevAddr) bool {
	_, ok := g.groups[addr]
	return ok
}

// Groups returns the multicast groups served by the gateway, in address order.
func (g *Gateway) Groups() []lorawan.DevAddr {
	out := make([]lorawan.DevAddr, 0, len(g.groups))
	for addr := range g.groups {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uint32() < out[j].Uint32() })
	return out
}

// OnUplink sets the handler for received uplinks.
func (g *Gateway) OnUplink(h UplinkHandler) {
	g.uplinkHandler = h
}

// Counters returns a copy of the transmit statistics.
func (g *Gateway) Counters() Counters {
	return g.counters
}

// IsTransmitting reports whether the gateway is on air.
func (g *Gateway) IsTransmitting() bool {
	return g.sched.Now() < g.busyUntil
}

// WaitingTime returns how long the duty cycle keeps freq blocked.
func (g *Gateway) WaitingTime(freq uint32) time.Duration {
	if !g.cfg.DutyCycleEnabled {
		return 0
	}
	free, ok := g.nextFree[g.region.SubBandIndex(freq)]
	if !ok || free <= g.sched.Now() {
		return 0
	}
	return free - g.sched.Now()
}

// IsAvailable reports whether a transmission on freq could start now.
func (g *Gateway) IsAvailable(freq uint32) bool {
	now := g.sched.Now()
	if g.IsTransmitting() {
		return false
	}
	if g.reserved && now-g.reservedAt < ReservationGuard {
		return false
	}
	return g.WaitingTime(freq) == 0
}

// Reserve claims the gateway for a transmission starting at now.
func (g *Gateway) Reserve(now time.Duration) {
	g.reserved = true
	g.reservedAt = now
}

// Send transmits p. Availability is the caller's concern: Send only refuses
// while the gateway is already on air.
func (g *Gateway) Send(p *radio.Packet, tx radio.TxParams) error {
	if g.IsTransmitting() {
		g.counters.Refused++
		return fmt.Errorf("%s: %w", g.cfg.ID, ErrUnavailable)
	}
	if tx.Power == 0 {
		tx.Power = g.cfg.TxPower
	}

	airtime, err := g.medium.Transmit(g, p, tx, nil)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", g.cfg.ID, err)
	}

	now := g.sched.Now()
	g.busyUntil = now + airtime
	if g.cfg.DutyCycleEnabled {
		if dc := g.region.DutyCycle(tx.Frequency); dc > 0 && dc < 1 {
			g.nextFree[g.region.SubBandIndex(tx.Frequency)] = now + time.Duration(math.Round(float64(airtime)/dc))
		}
	}

	if p.Beacon {
		g.counters.BeaconsSent++
	} else {
		g.counters.DownlinksSent++
	}

	log.Debug().
		Str("gateway", g.cfg.ID).
		Str("packet", p.String()).
		Uint32("freq", tx.Frequency).
		Int("dr", tx.DataRate).
		Dur("airtime", airtime).
		Msg("gateway transmitting")
	return nil
}

// Lock implements radio.Endpoint. Gateways demodulate every uplink while
// not transmitting.
func (g *Gateway) Lock(p *radio.Packet, tx radio.TxParams) bool {
	return p.Uplink && !g.IsTransmitting()
}

// Receive implements radio.Endpoint.
func (g *Gateway) Receive(p *radio.Packet, info radio.RxInfo) {
	g.counters.UplinksReceived++
	if g.uplinkHandler != nil {
		g.uplinkHandler(g, p, info)
	}
}

// FailedReception implements radio.Endpoint.
func (g *Gateway) FailedReception(p *radio.Packet) {
	log.Debug().Str("gateway", g.cfg.ID).Str("packet", p.String()).Msg("uplink lost")
}
