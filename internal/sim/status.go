package sim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-classb/internal/device"
	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/internal/models"
	"github.com/lorawan-server/lorawan-classb/internal/network"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// Status is a snapshot of the network side.
type Status struct {
	RunID          uuid.UUID                `json:"run_id"`
	Now            time.Duration            `json:"now"`
	Elapsed        time.Duration            `json:"elapsed"`
	GPSTime        time.Time                `json:"gps_time"`
	BeaconEnabled  bool                     `json:"beacon_enabled"`
	LastBeaconTime uint32                   `json:"last_beacon_time"`
	Suspended      bool                     `json:"suspended"`
	Beacons        network.BeaconCounters   `json:"beacons"`
	Downlinks      network.DownlinkCounters `json:"downlinks"`
	Uplinks        uint64                   `json:"uplinks"`
	Gateways       []GatewayStatus          `json:"gateways"`
}

// GatewayStatus describes one gateway.
type GatewayStatus struct {
	ID            string            `json:"id"`
	BeaconEnabled bool              `json:"beacon_enabled"`
	ClassBEnabled bool              `json:"class_b_enabled"`
	Transmitting  bool              `json:"transmitting"`
	Groups        []lorawan.DevAddr `json:"groups"`
	Counters      gateway.Counters  `json:"counters"`
}

// DeviceStatus describes one end device.
type DeviceStatus struct {
	DevAddr       lorawan.DevAddr     `json:"dev_addr"`
	MulticastAddr lorawan.DevAddr     `json:"multicast_addr"`
	Class         lorawan.DeviceClass `json:"class"`
	Mode          string              `json:"mode"`
	BeaconState   string              `json:"beacon_state"`
	Periodicity   uint8               `json:"periodicity"`
	PingNb        uint16              `json:"ping_nb"`
	Relay         bool                `json:"relay"`
	Attempts      int                 `json:"attempts"`
	Counters      device.Counters     `json:"counters"`
}

// Status returns the network snapshot.
func (s *Simulation) Status() Status {
	var st Status
	s.loop.Do(func() {
		now := s.loop.Now()
		beacons := s.server.Beacons()
		st = Status{
			RunID:          s.runID,
			Now:            now,
			Elapsed:        now - s.start,
			GPSTime:        lorawan.GPSTime(now),
			BeaconEnabled:  beacons.Enabled(),
			LastBeaconTime: beacons.LastBeaconTime(),
			Suspended:      beacons.Suspended(),
			Beacons:        beacons.Counters(),
			Downlinks:      s.server.Downlinks().Counters(),
			Uplinks:        s.server.UplinksProcessed(),
		}
		for _, gw := range s.gateways {
			st.Gateways = append(st.Gateways, GatewayStatus{
				ID:            gw.ID(),
				BeaconEnabled: gw.BeaconEnabled(),
				ClassBEnabled: gw.ClassBEnabled(),
				Transmitting:  gw.IsTransmitting(),
				Groups:        gw.Groups(),
				Counters:      gw.Counters(),
			})
		}
	})
	return st
}

func (s *Simulation) deviceStatus(n *Node) DeviceStatus {
	c := n.Controller
	params := c.PingSlotParameters()
	return DeviceStatus{
		DevAddr:       c.DevAddr(),
		MulticastAddr: c.MulticastAddr(),
		Class:         c.Class(),
		Mode:          c.Mode().String(),
		BeaconState:   c.BeaconState().String(),
		Periodicity:   params.Periodicity(),
		PingNb:        params.PingNb(),
		Relay:         c.RelayEnabled(),
		Attempts:      n.App.Attempts(),
		Counters:      c.Counters(),
	}
}

// Devices returns every device in configuration order.
func (s *Simulation) Devices() []DeviceStatus {
	var out []DeviceStatus
	s.loop.Do(func() {
		for _, addr := range s.order {
			out = append(out, s.deviceStatus(s.nodes[addr]))
		}
	})
	return out
}

// Device returns one device.
func (s *Simulation) Device(addr lorawan.DevAddr) (DeviceStatus, error) {
	n, ok := s.nodes[addr]
	if !ok {
		return DeviceStatus{}, fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	var st DeviceStatus
	s.loop.Do(func() { st = s.deviceStatus(n) })
	return st, nil
}

// SetDeviceClass asks a device to change class. Class B starts the beacon
// search; the device becomes Class B once it locks.
func (s *Simulation) SetDeviceClass(addr lorawan.DevAddr, class lorawan.DeviceClass) error {
	n, ok := s.nodes[addr]
	if !ok {
		return fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	var err error
	s.loop.Do(func() {
		if class == lorawan.ClassB {
			err = n.Controller.SwitchToClassB()
			return
		}
		err = n.Controller.SetDeviceClass(class)
	})
	return err
}

// RequestPingSlotInfo makes a device ask the network for a new periodicity
// on its next uplink.
func (s *Simulation) RequestPingSlotInfo(addr lorawan.DevAddr, periodicity uint8) error {
	n, ok := s.nodes[addr]
	if !ok {
		return fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	var err error
	s.loop.Do(func() { err = n.Controller.RequestPingSlotInfo(periodicity) })
	return err
}

// SetGatewayBeacon turns the beacon of one gateway on or off.
func (s *Simulation) SetGatewayBeacon(id string, enabled bool) error {
	var err error
	s.loop.Do(func() {
		gw, ok := s.server.Registry().Gateway(id)
		if !ok {
			err = fmt.Errorf("gateway %s: %w", id, network.ErrUnknownGateway)
			return
		}
		gw.SetBeaconEnabled(enabled)
	})
	return err
}

func toVariables(v interface{}) (models.Variables, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	var out models.Variables
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return out, nil
}
