package radio

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// PreambleLockSymbols is how far into a transmission a listening receiver
// detects the preamble.
const PreambleLockSymbols = 5

// Endpoint is anything attached to the medium.
type Endpoint interface {
	ID() string
	// Lock is offered every packet whose preamble could be detected. It
	// returns true when the endpoint starts receiving it.
	Lock(p *Packet, tx TxParams) bool
	Receive(p *Packet, info RxInfo)
	FailedReception(p *Packet)
}

// Link describes the path from one endpoint to another.
type Link struct {
	Loss float64 // probability that a locked reception fails
	RSSI float64 // dBm
}

type linkKey struct {
	from, to string
}

// Medium is the shared channel. It is driven by the scheduler and must only
// be used from the event loop.
type Medium struct {
	sched     scheduler.Scheduler
	region    *lorawan.RegionConfiguration
	rng       *rand.Rand
	endpoints []Endpoint
	links     map[linkKey]Link
	receivers map[string]Link
	defaults  Link
	nextID    uint64
}

// NewMedium creates an empty medium. rng drives reception losses.
func NewMedium(sched scheduler.Scheduler, region *lorawan.RegionConfiguration, rng *rand.Rand) *Medium {
	return &Medium{
		sched:     sched,
		region:    region,
		rng:       rng,
		links:     make(map[linkKey]Link),
		receivers: make(map[string]Link),
		defaults:  Link{Loss: 0, RSSI: -100},
	}
}

// Attach adds an endpoint. Endpoints are offered packets in attach order.
func (m *Medium) Attach(e Endpoint) {
	m.endpoints = append(m.endpoints, e)
}

// SetDefaultLink sets the link used when nothing more specific is configured.
func (m *Medium) SetDefaultLink(l Link) {
	m.defaults = l
}

// SetReceiverLink sets the link from any endpoint to `to`.
func (m *Medium) SetReceiverLink(to string, l Link) {
	m.receivers[to] = l
}

// SetLink sets the link from one endpoint to another.
func (m *Medium) SetLink(from, to string, l Link) {
	m.links[linkKey{from, to}] = l
}

// LinkBetween returns the effective link from one endpoint to another.
func (m *Medium) LinkBetween(from, to string) Link {
	if l, ok := m.links[linkKey{from, to}]; ok {
		return l
	}
	if l, ok := m.receivers[to]; ok {
		return l
	}
	return m.defaults
}

// Modulation returns the modulation used for p at tx. Beacons use an
// implicit header, no CRC and a 10 symbol preamble.
func (m *Medium) Modulation(p *Packet, tx TxParams) (lorawan.Modulation, error) {
	mod, err := m.region.ModulationForDR(tx.DataRate)
	if err != nil {
		return mod, err
	}
	if p.Beacon {
		mod.ImplicitHeader = true
		mod.CRC = false
		mod.PreambleLength = 10
	}
	return mod, nil
}

// Airtime returns the time on air of p at tx.
func (m *Medium) Airtime(p *Packet, tx TxParams) (time.Duration, error) {
	mod, err := m.Modulation(p, tx)
	if err != nil {
		return 0, err
	}
	return mod.TimeOnAir(p.Size()), nil
}

// Transmit puts p on air from `from`. done, when not nil, runs once the
// transmission ends and before any receiver is told about the outcome.
func (m *Medium) Transmit(from Endpoint, p *Packet, tx TxParams, done func()) (time.Duration, error) {
	mod, err := m.Modulation(p, tx)
	if err != nil {
		return 0, fmt.Errorf("transmit %s: %w", p, err)
	}
	airtime := mod.TimeOnAir(p.Size())

	m.nextID++
	p.ID = m.nextID
	if p.Source == "" {
		p.Source = from.ID()
	}

	lockAt := PreambleLockSymbols * mod.SymbolTime()
	if lockAt > airtime {
		lockAt = airtime
	}

	var locked []Endpoint
	m.sched.Schedule(lockAt, func() {
		for _, e := range m.endpoints {
			if e == from {
				continue
			}
			if e.Lock(p, tx) {
				locked = append(locked, e)
			}
		}
	})

	m.sched.Schedule(airtime, func() {
		if done != nil {
			done()
		}
		for _, e := range locked {
			link := m.LinkBetween(from.ID(), e.ID())
			if link.Loss > 0 && m.rng.Float64() < link.Loss {
				log.Debug().
					Str("packet", p.String()).
					Str("receiver", e.ID()).
					Msg("reception failed")
				e.FailedReception(p)
				continue
			}
			e.Receive(p, RxInfo{Frequency: tx.Frequency, DataRate: tx.DataRate, RSSI: link.RSSI})
		}
	})

	return airtime, nil
}
