package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/gateway"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

var (
	ErrUnknownGroup   = errors.New("unknown multicast group")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownGateway = errors.New("unknown gateway")
	ErrInvalidGroup   = errors.New("invalid multicast group")
)

// Group is a Class B multicast group as provisioned on the network.
type Group struct {
	Address   lorawan.DevAddr
	DataRate  int
	Frequency uint32
	PingSlot  lorawan.PingSlotParameters
	Members   []lorawan.DevAddr
}

// Device is a unicast Class B device known to the network.
type Device struct {
	Address   lorawan.DevAddr
	ClassB    bool
	DataRate  int
	Frequency uint32
	PingSlot  lorawan.PingSlotParameters
}

// DeviceRxInfo is one gateway's reception of a device uplink.
type DeviceRxInfo struct {
	GatewayID string
	PacketID  uint64
	RSSI      float64
	At        time.Duration
}

// Registry holds the gateways, multicast groups and unicast devices the
// network schedules Class B traffic for.
type Registry struct {
	region *lorawan.RegionConfiguration

	mu          sync.RWMutex
	gateways    []*gateway.Gateway
	groups      map[lorawan.DevAddr]*Group
	groupOrder  []lorawan.DevAddr
	devices     map[lorawan.DevAddr]*Device
	deviceOrder []lorawan.DevAddr

	// deviceRxCache keeps every reception of the latest uplink per device.
	deviceRxCache map[lorawan.DevAddr][]DeviceRxInfo
}

func NewRegistry(region *lorawan.RegionConfiguration) *Registry {
	return &Registry{
		region:        region,
		groups:        make(map[lorawan.DevAddr]*Group),
		devices:       make(map[lorawan.DevAddr]*Device),
		deviceRxCache: make(map[lorawan.DevAddr][]DeviceRxInfo),
	}
}

// AddGateway registers a gateway. Gateways keep their registration order.
func (r *Registry) AddGateway(gw *gateway.Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways = append(r.gateways, gw)
}

// Gateways returns all registered gateways.
func (r *Registry) Gateways() []*gateway.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*gateway.Gateway(nil), r.gateways...)
}

// Gateway looks a gateway up by ID.
func (r *Registry) Gateway(id string) (*gateway.Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, gw := range r.gateways {
		if gw.ID() == id {
			return gw, true
		}
	}
	return nil, false
}

// AddGroup registers or replaces a multicast group. A group needs members and
// an address no unicast device uses. A zero frequency means the default ping
// slot channel.
func (r *Registry) AddGroup(g Group) error {
	if g.Address.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidGroup)
	}
	if _, err := r.region.DataRate(g.DataRate); err != nil {
		return fmt.Errorf("%w: group %s: %v", ErrInvalidGroup, g.Address, err)
	}
	if len(g.Members) == 0 {
		return fmt.Errorf("%w: group %s has no members", ErrInvalidGroup, g.Address)
	}
	if g.Frequency == 0 {
		g.Frequency = lorawan.DefaultPingFrequency
	}
	if r.region.SubBandIndex(g.Frequency) < 0 {
		return fmt.Errorf("%w: group %s: frequency %d outside the band", ErrInvalidGroup, g.Address, g.Frequency)
	}
	if g.PingSlot.PingNb() == 0 {
		g.PingSlot = lorawan.DefaultPingSlotParameters()
	}
	g.Members = append([]lorawan.DevAddr(nil), g.Members...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[g.Address]; ok {
		return fmt.Errorf("%w: group %s uses a device address", ErrInvalidGroup, g.Address)
	}
	if _, ok := r.groups[g.Address]; !ok {
		r.groupOrder = append(r.groupOrder, g.Address)
	}
	r.groups[g.Address] = &g

	log.Info().
		Str("group", g.Address.String()).
		Int("dr", g.DataRate).
		Uint32("freq", g.Frequency).
		Uint16("ping_nb", g.PingSlot.PingNb()).
		Int("members", len(g.Members)).
		Msg("multicast group registered")
	return nil
}

// AddMember adds dev to a registered group.
func (r *Registry) AddMember(group, dev lorawan.DevAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return fmt.Errorf("group %s: %w", group, ErrUnknownGroup)
	}
	for _, m := range g.Members {
		if m == dev {
			return nil
		}
	}
	g.Members = append(g.Members, dev)
	return nil
}

// Group returns a copy of a registered group.
func (r *Registry) Group(addr lorawan.DevAddr) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[addr]
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", addr, ErrUnknownGroup)
	}
	out := *g
	out.Members = append([]lorawan.DevAddr(nil), g.Members...)
	return out, nil
}

// Groups returns every group in registration order.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groupOrder))
	for _, addr := range r.groupOrder {
		g := *r.groups[addr]
		g.Members = append([]lorawan.DevAddr(nil), g.Members...)
		out = append(out, g)
	}
	return out
}

// MembersOf returns the devices of a multicast group.
func (r *Registry) MembersOf(addr lorawan.DevAddr) ([]lorawan.DevAddr, error) {
	g, err := r.Group(addr)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

// GatewaysServing returns the Class B enabled gateways registered for a
// multicast group.
func (r *Registry) GatewaysServing(addr lorawan.DevAddr) []*gateway.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*gateway.Gateway
	for _, gw := range r.gateways {
		if gw.ClassBEnabled() && gw.InGroup(addr) {
			out = append(out, gw)
		}
	}
	return out
}

// BeaconCapableGateways returns the gateways with beacon broadcast enabled.
func (r *Registry) BeaconCapableGateways() []*gateway.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*gateway.Gateway
	for _, gw := range r.gateways {
		if gw.BeaconEnabled() {
			out = append(out, gw)
		}
	}
	return out
}

// AddDevice registers or replaces a unicast device. Group addresses are
// refused.
func (r *Registry) AddDevice(d Device) error {
	if d.Address.IsZero() {
		return fmt.Errorf("zero device address: %w", ErrUnknownDevice)
	}
	if d.Frequency == 0 {
		d.Frequency = lorawan.DefaultPingFrequency
	}
	if d.PingSlot.PingNb() == 0 {
		d.PingSlot = lorawan.DefaultPingSlotParameters()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[d.Address]; ok {
		return fmt.Errorf("device %s uses a multicast group address: %w", d.Address, ErrInvalidGroup)
	}
	if _, ok := r.devices[d.Address]; !ok {
		r.deviceOrder = append(r.deviceOrder, d.Address)
	}
	r.devices[d.Address] = &d
	return nil
}

// Device returns a copy of a registered unicast device.
func (r *Registry) Device(addr lorawan.DevAddr) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	if !ok {
		return Device{}, fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	return *d, nil
}

// Devices returns every unicast device in registration order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.deviceOrder))
	for _, addr := range r.deviceOrder {
		out = append(out, *r.devices[addr])
	}
	return out
}

// SetDeviceClassB marks whether the network schedules ping downlinks for a
// unicast device.
func (r *Registry) SetDeviceClassB(addr lorawan.DevAddr, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	if !ok {
		return fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	d.ClassB = enabled
	return nil
}

// SetDevicePeriodicity updates the ping slot periodicity of a unicast device.
func (r *Registry) SetDevicePeriodicity(addr lorawan.DevAddr, periodicity uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	if !ok {
		return fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	if err := d.PingSlot.SetPeriodicity(periodicity); err != nil {
		return fmt.Errorf("device %s: %w", addr, err)
	}
	return nil
}

// RecordUplink stores one gateway's reception of a device uplink. Receptions
// of an older packet are dropped when a new packet ID shows up.
func (r *Registry) RecordUplink(addr lorawan.DevAddr, info DeviceRxInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cached := r.deviceRxCache[addr]
	if len(cached) > 0 && cached[0].PacketID != info.PacketID {
		cached = cached[:0]
	}
	r.deviceRxCache[addr] = append(cached, info)

	log.Debug().
		Str("dev_addr", addr.String()).
		Str("gateway", info.GatewayID).
		Float64("rssi", info.RSSI).
		Msg("device rx cache updated")
}

// LastUplink returns the receptions of the latest uplink of a device.
func (r *Registry) LastUplink(addr lorawan.DevAddr) []DeviceRxInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DeviceRxInfo(nil), r.deviceRxCache[addr]...)
}

// BestGateway picks the gateway that heard the last uplink of addr with the
// highest RSSI. Without any uplink it falls back to the first registered
// gateway; nil means no gateway exists at all.
func (r *Registry) BestGateway(addr lorawan.DevAddr) *gateway.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *DeviceRxInfo
	for i, info := range r.deviceRxCache[addr] {
		if best == nil || info.RSSI > best.RSSI {
			best = &r.deviceRxCache[addr][i]
		}
	}
	if best != nil {
		for _, gw := range r.gateways {
			if gw.ID() == best.GatewayID {
				return gw
			}
		}
	}
	if len(r.gateways) == 0 {
		return nil
	}
	return r.gateways[0]
}
