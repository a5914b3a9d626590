// Package sim builds a complete Class B scenario from configuration and runs
// it on the virtual clock.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/device"
	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/internal/models"
	"github.com/lorawan-server/lorawan-classb/internal/network"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/internal/stats"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// ErrUnknownDevice is returned for an address that is not simulated.
var ErrUnknownDevice = errors.New("unknown device")

// Options carries what the configuration cannot.
type Options struct {
	// RunID identifies published events. A zero value draws a new one.
	RunID uuid.UUID
	// Registerer receives the analyzer metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Sinks get every event after the analyzer.
	Sinks []events.Sink
}

// Node is one simulated end device and its application.
type Node struct {
	Controller *device.Controller
	App        *device.App
}

// Simulation owns every component of a scenario. All of them live on the
// event loop: outside callers go through the methods below, which use
// EventLoop.Do.
type Simulation struct {
	cfg    *config.Config
	runID  uuid.UUID
	region *lorawan.RegionConfiguration

	loop      *scheduler.EventLoop
	medium    *radio.Medium
	server    *network.Server
	gateways  []*gateway.Gateway
	nodes     map[lorawan.DevAddr]*Node
	order     []lorawan.DevAddr
	collector *stats.Collector
	bus       *events.Bus

	start   time.Duration
	started bool
}

// New builds the scenario described by cfg.
func New(cfg *config.Config, opts Options) (*Simulation, error) {
	region := cfg.Region()
	runID := opts.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}

	var loopOpts []scheduler.Option
	if !cfg.Simulation.StartTime.IsZero() {
		loopOpts = append(loopOpts, scheduler.WithStart(lorawan.GPSEpochTime(cfg.Simulation.StartTime)))
	}
	loop := scheduler.NewEventLoop(loopOpts...)

	collector := stats.NewCollector(opts.Registerer)
	bus := events.NewBus(collector)
	for _, sink := range opts.Sinks {
		bus.Subscribe(sink)
	}
	if cfg.Log.Events {
		bus.Subscribe(events.NewLogSink())
	}

	seed := cfg.Simulation.Seed
	medium := radio.NewMedium(loop, region, rand.New(rand.NewSource(seed)))
	medium.SetDefaultLink(radio.Link{Loss: cfg.Medium.Loss, RSSI: cfg.Medium.RSSI})

	server := network.NewServer(network.Config{
		Beacon: network.BeaconConfig{
			Frequency: cfg.Beacon.Frequency,
			DataRate:  cfg.Beacon.DataRate,
			InfoDesc:  cfg.Beacon.InfoDesc,
			Info:      cfg.Beacon.Info,
		},
		Downlink: network.DownlinkConfig{
			Sequenced:   cfg.Network.Sequenced,
			PayloadSize: cfg.Network.PayloadSize,
			FPort:       cfg.Network.FPort,
		},
		RX1Delay:       cfg.Network.RX1Delay,
		RX1DROffset:    cfg.Network.RX1DROffset,
		BeaconDisabled: cfg.Beacon.Disabled,
	}, loop, region, bus, rand.New(rand.NewSource(seed+1)))

	s := &Simulation{
		cfg:       cfg,
		runID:     runID,
		region:    region,
		loop:      loop,
		medium:    medium,
		server:    server,
		nodes:     make(map[lorawan.DevAddr]*Node),
		collector: collector,
		bus:       bus,
		start:     loop.Now(),
	}
	// The network learns the class of its unicast devices from their
	// class changes.
	bus.Subscribe(events.SinkFunc(s.trackClass))

	members := make(map[lorawan.DevAddr][]lorawan.DevAddr)
	for _, d := range cfg.Devices {
		if !d.MulticastAddr.IsZero() {
			members[d.MulticastAddr] = append(members[d.MulticastAddr], d.DevAddr)
		}
	}

	for _, g := range cfg.MulticastGroups {
		params, err := lorawan.NewPingSlotParameters(g.Periodicity)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Address, err)
		}
		group := network.Group{
			Address:   g.Address,
			DataRate:  g.DataRate,
			Frequency: g.Frequency,
			PingSlot:  params,
			Members:   members[g.Address],
		}
		if err := server.Registry().AddGroup(group); err != nil {
			return nil, err
		}
		collector.RegisterGroup(g.Address, members[g.Address])
	}

	for _, gc := range cfg.Gateways {
		gw := gateway.New(gateway.Config{
			ID:               gc.ID,
			BeaconEnabled:    gc.Beacon,
			ClassBEnabled:    gc.ClassB,
			DutyCycleEnabled: gc.DutyCycle,
			TxPower:          gc.TxPower,
			MulticastGroups:  gc.MulticastGroups,
		}, loop, medium, region)
		server.AddGateway(gw)
		s.gateways = append(s.gateways, gw)
	}

	for i, dc := range cfg.Devices {
		if err := s.addDevice(dc, len(members[dc.MulticastAddr]), seed+2+int64(i)); err != nil {
			return nil, err
		}
	}

	for _, l := range cfg.Medium.Links {
		link := radio.Link{Loss: l.Loss, RSSI: l.RSSI}
		if link.RSSI == 0 {
			link.RSSI = cfg.Medium.RSSI
		}
		if l.From == "" {
			medium.SetReceiverLink(l.To, link)
		} else {
			medium.SetLink(l.From, l.To, link)
		}
	}

	log.Info().
		Str("run_id", runID.String()).
		Int("gateways", len(s.gateways)).
		Int("groups", len(cfg.MulticastGroups)).
		Int("devices", len(s.nodes)).
		Msg("simulation built")
	return s, nil
}

func (s *Simulation) addDevice(dc config.DeviceConfig, groupSize int, seed int64) error {
	ctrl, err := device.NewController(device.Config{
		DevAddr:        dc.DevAddr,
		MulticastAddr:  dc.MulticastAddr,
		Multicast:      !dc.MulticastAddr.IsZero(),
		DataRate:       dc.DataRate,
		PingFrequency:  dc.PingFrequency,
		PingDataRate:   dc.PingDataRate,
		Periodicity:    dc.Periodicity,
		Relay:          dc.Relay,
		RelayGroupSize: groupSize,
	}, s.loop, s.medium, s.region, s.bus, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}

	app := device.NewApp(device.AppConfig{
		ClassBDelay:     dc.App.ClassBDelay,
		Attempts:        dc.App.Attempts,
		PeriodicUplinks: dc.App.PeriodicUplinks,
		InitialDelay:    dc.App.InitialDelay,
		SendingInterval: dc.App.SendingInterval,
		PacketSize:      dc.App.PacketSize,
		RandomExtra:     dc.App.RandomExtra,
		Fragmented:      dc.App.Fragmented,
		FirstFragment:   dc.App.FirstFragment,
		LastFragment:    dc.App.LastFragment,
	}, ctrl, s.bus)

	if dc.Loss != 0 || dc.RSSI != 0 {
		rssi := dc.RSSI
		if rssi == 0 {
			rssi = s.cfg.Medium.RSSI
		}
		s.medium.SetReceiverLink(ctrl.ID(), radio.Link{Loss: dc.Loss, RSSI: rssi})
	}

	if dc.Unicast {
		err := s.server.Registry().AddDevice(network.Device{
			Address:   dc.DevAddr,
			DataRate:  dc.PingDataRate,
			Frequency: dc.PingFrequency,
			PingSlot:  ctrl.PingSlotParameters(),
		})
		if err != nil {
			return err
		}
	}

	s.nodes[dc.DevAddr] = &Node{Controller: ctrl, App: app}
	s.order = append(s.order, dc.DevAddr)
	return nil
}

func (s *Simulation) trackClass(e events.Event) {
	changed, ok := e.(events.ClassChanged)
	if !ok {
		return
	}
	if _, err := s.server.Registry().Device(changed.DevAddr); err != nil {
		return
	}
	if err := s.server.Registry().SetDeviceClassB(changed.DevAddr, changed.To == lorawan.ClassB); err != nil {
		log.Error().Err(err).Str("dev_addr", changed.DevAddr.String()).Msg("tracking device class")
	}
}

// RunID identifies the run in published events and stored summaries.
func (s *Simulation) RunID() uuid.UUID { return s.runID }

// Loop exposes the event loop, e.g. to run it step by step in tests.
func (s *Simulation) Loop() *scheduler.EventLoop { return s.loop }

// Server returns the network server. Use it from the event loop only.
func (s *Simulation) Server() *network.Server { return s.server }

// Collector returns the analyzer.
func (s *Simulation) Collector() *stats.Collector { return s.collector }

// Medium returns the shared channel. Use it from the event loop only.
func (s *Simulation) Medium() *radio.Medium { return s.medium }

// Node returns a simulated device. Use it from the event loop only.
func (s *Simulation) Node(addr lorawan.DevAddr) (*Node, bool) {
	n, ok := s.nodes[addr]
	return n, ok
}

// Start enables the beacon broadcast and starts every application. It is
// idempotent.
func (s *Simulation) Start() {
	s.loop.Do(func() {
		if s.started {
			return
		}
		s.started = true
		s.server.Start()
		for _, addr := range s.order {
			s.nodes[addr].App.Start()
		}
	})
}

// End returns the virtual time the run stops at, 0 for no end.
func (s *Simulation) End() time.Duration {
	if s.cfg.Simulation.Duration == 0 {
		return 0
	}
	return s.start + s.cfg.Simulation.Duration
}

// Run starts the scenario and runs it to its end or until ctx is done. In
// realtime mode the loop is paced against the wall clock; otherwise it runs
// as fast as possible, one beacon period at a time.
func (s *Simulation) Run(ctx context.Context) error {
	s.Start()
	end := s.End()

	if s.cfg.Simulation.Realtime {
		err := s.loop.RunRealtime(ctx, s.cfg.Simulation.Speed, end)
		if errors.Is(err, scheduler.ErrStopped) {
			return nil
		}
		return err
	}

	if end == 0 {
		return fmt.Errorf("simulation without duration must run in realtime mode")
	}
	for now := s.Now(); now < end; {
		if err := ctx.Err(); err != nil {
			return err
		}
		now += lorawan.BeaconPeriod
		if now > end {
			now = end
		}
		s.loop.RunUntil(now)
	}
	return nil
}

// Now returns the virtual time.
func (s *Simulation) Now() time.Duration {
	var now time.Duration
	s.loop.Do(func() { now = s.loop.Now() })
	return now
}

// Elapsed returns the virtual time since the start of the run.
func (s *Simulation) Elapsed() time.Duration {
	return s.Now() - s.start
}

// Summary returns the analyzer snapshot.
func (s *Simulation) Summary() stats.Summary {
	return s.collector.Summary()
}

// RunSummary builds the record stored at the end of a run.
func (s *Simulation) RunSummary(startedAt, finishedAt time.Time) (*models.RunSummary, error) {
	summary := s.Summary()
	details, err := toVariables(summary)
	if err != nil {
		return nil, err
	}

	gateways := make([]string, 0, len(s.gateways))
	for _, gw := range s.gateways {
		gateways = append(gateways, gw.ID())
	}

	return &models.RunSummary{
		BaseModel:        models.BaseModel{ID: s.runID, CreatedAt: finishedAt},
		Name:             s.cfg.Server.Name,
		Seed:             s.cfg.Simulation.Seed,
		Band:             s.region.Name,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		SimulatedTime:    s.Elapsed(),
		Gateways:         gateways,
		Devices:          len(s.nodes),
		BeaconsBroadcast: summary.Network.BeaconsBroadcast,
		BeaconsBlocked:   summary.Network.BeaconsBlocked,
		MulticastSent:    summary.Network.MulticastSent,
		UnicastSent:      summary.Network.UnicastSent,
		Details:          details,
	}, nil
}
