// Package network implements the network server side of Class B: beacon
// broadcast across gateways, per address ping slot downlink scheduling and
// the Class B MAC command exchange with devices.
package network

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// DefaultRX1Delay is the gap between the end of an uplink and the first
// receive window of the device.
const DefaultRX1Delay = time.Second

// Config holds the network server settings.
type Config struct {
	Beacon      BeaconConfig
	Downlink    DownlinkConfig
	RX1Delay    time.Duration
	RX1DROffset uint8
	// BeaconDisabled keeps the server from broadcasting beacons on Start.
	BeaconDisabled bool
}

// Server ties the registry, the beacon and downlink schedulers and the MAC
// command handler to the gateways.
type Server struct {
	cfg    Config
	sched  scheduler.Scheduler
	region *lorawan.RegionConfiguration
	sink   events.Sink

	registry  *Registry
	beacons   *BeaconScheduler
	downlinks *DownlinkScheduler
	mac       *MACCommandHandler

	lastPacket map[lorawan.DevAddr]uint64
	pending    map[lorawan.DevAddr][]lorawan.MACCommand
	uplinks    uint64
}

func NewServer(cfg Config, sched scheduler.Scheduler, region *lorawan.RegionConfiguration, sink events.Sink, rng *rand.Rand) *Server {
	if cfg.RX1Delay == 0 {
		cfg.RX1Delay = DefaultRX1Delay
	}
	if sink == nil {
		sink = events.Discard
	}

	registry := NewRegistry(region)
	s := &Server{
		cfg:        cfg,
		sched:      sched,
		region:     region,
		sink:       sink,
		registry:   registry,
		beacons:    NewBeaconScheduler(cfg.Beacon, sched, registry, sink),
		downlinks:  NewDownlinkScheduler(cfg.Downlink, sched, registry, region, sink, rng),
		mac:        NewMACCommandHandler(registry, region, sched, sink),
		lastPacket: make(map[lorawan.DevAddr]uint64),
		pending:    make(map[lorawan.DevAddr][]lorawan.MACCommand),
	}
	s.beacons.OnPeriod(s.downlinks.ScheduleClassBDownlink)
	return s
}

func (s *Server) Registry() *Registry                   { return s.registry }
func (s *Server) Beacons() *BeaconScheduler             { return s.beacons }
func (s *Server) Downlinks() *DownlinkScheduler         { return s.downlinks }
func (s *Server) MACCommandHandler() *MACCommandHandler { return s.mac }

// UplinksProcessed counts distinct uplinks, however many gateways heard them.
func (s *Server) UplinksProcessed() uint64 {
	return s.uplinks
}

// AddGateway registers gw and routes its uplinks to the server.
func (s *Server) AddGateway(gw *gateway.Gateway) {
	s.registry.AddGateway(gw)
	gw.OnUplink(s.handleUplink)
}

// Start enables the beacon broadcast.
func (s *Server) Start() {
	if s.cfg.BeaconDisabled {
		log.Info().Msg("beacon broadcast disabled")
		return
	}
	s.beacons.Enable()
}

func (s *Server) Stop() {
	s.beacons.Disable()
}

// QueueMACCommand sends cmd in the next Class A downlink to addr. A queued
// command with the same CID is replaced.
func (s *Server) QueueMACCommand(addr lorawan.DevAddr, cmd lorawan.MACCommand) {
	queue := s.pending[addr]
	for i, q := range queue {
		if q.CID == cmd.CID {
			queue[i] = cmd
			return
		}
	}
	s.pending[addr] = append(queue, cmd)
}

// RequestPingSlotChannel asks a device to move its ping slots to freq at dr.
func (s *Server) RequestPingSlotChannel(addr lorawan.DevAddr, freq uint32, dr int) error {
	if _, err := s.region.DataRate(dr); err != nil {
		return fmt.Errorf("device %s: %w", addr, err)
	}
	cmd, err := lorawan.NewMACCommand(lorawan.PingSlotChannelReq, lorawan.PingSlotChannelReqPayload{Frequency: freq, DR: uint8(dr)})
	if err != nil {
		return fmt.Errorf("device %s: %w", addr, err)
	}
	s.QueueMACCommand(addr, cmd)
	return nil
}

// RequestBeaconFreq asks a device to listen for beacons on freq.
func (s *Server) RequestBeaconFreq(addr lorawan.DevAddr, freq uint32) error {
	cmd, err := lorawan.NewMACCommand(lorawan.BeaconFreqReq, lorawan.BeaconFreqReqPayload{Frequency: freq})
	if err != nil {
		return fmt.Errorf("device %s: %w", addr, err)
	}
	s.QueueMACCommand(addr, cmd)
	return nil
}

// handleUplink runs once per gateway reception. The MAC commands of a packet
// are processed on its first reception only.
func (s *Server) handleUplink(gw *gateway.Gateway, p *radio.Packet, info radio.RxInfo) {
	addr := p.Destination
	s.registry.RecordUplink(addr, DeviceRxInfo{
		GatewayID: gw.ID(),
		PacketID:  p.ID,
		RSSI:      info.RSSI,
		At:        s.sched.Now(),
	})

	if last, ok := s.lastPacket[addr]; ok && last == p.ID {
		return
	}
	s.lastPacket[addr] = p.ID
	s.uplinks++

	var answers []lorawan.MACCommand
	if len(p.FOpts) > 0 {
		cmds, err := lorawan.ParseMACCommands(true, p.FOpts)
		if err != nil {
			log.Warn().Err(err).Str("dev_addr", addr.String()).Msg("invalid mac commands in uplink")
		} else {
			answers = s.mac.HandleUplink(addr, cmds)
		}
	}
	answers = append(answers, s.pending[addr]...)
	delete(s.pending, addr)
	if len(answers) == 0 {
		return
	}

	dr, err := s.region.GetRX1DataRateOffset(uint8(info.DataRate), s.cfg.RX1DROffset)
	if err != nil {
		log.Error().Err(err).Str("dev_addr", addr.String()).Msg("rx1 data rate")
		return
	}
	tx := radio.TxParams{Frequency: info.Frequency, DataRate: int(dr)}
	s.sched.Schedule(s.cfg.RX1Delay, func() {
		s.sendClassADownlink(addr, answers, tx)
	})
}

// sendClassADownlink sends MAC answers in RX1 through the best gateway of
// the device.
func (s *Server) sendClassADownlink(addr lorawan.DevAddr, cmds []lorawan.MACCommand, tx radio.TxParams) {
	fopts, err := lorawan.EncodeMACCommands(cmds)
	if err != nil {
		log.Error().Err(err).Str("dev_addr", addr.String()).Msg("encoding mac commands")
		return
	}

	gw := s.registry.BestGateway(addr)
	if gw == nil || !gw.IsAvailable(tx.Frequency) {
		log.Info().Str("dev_addr", addr.String()).Msg("no gateway available for rx1, mac answers dropped")
		return
	}
	gw.Reserve(s.sched.Now())
	if err := gw.Send(&radio.Packet{Destination: addr, FOpts: fopts}, tx); err != nil {
		log.Warn().Err(err).Str("dev_addr", addr.String()).Msg("rx1 downlink not sent")
		return
	}

	log.Debug().
		Str("dev_addr", addr.String()).
		Str("gateway", gw.ID()).
		Int("commands", len(cmds)).
		Msg("mac answers sent in rx1")
}
