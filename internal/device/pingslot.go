package device

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// schedulePingSlots must run at the end of beacon reserved: slot i opens
// (offset + i*pingPeriod) slot lengths later.
func (c *Controller) schedulePingSlots() {
	addr := c.cfg.DevAddr
	if c.multicast {
		addr = c.cfg.MulticastAddr
	}
	period := c.pingSlot.PingPeriod()
	c.pingSlot.PingOffset = lorawan.PingOffset(c.deviceBcnTime, addr, period)

	c.cancelPingSlots()
	for i := uint16(0); i < c.pingSlot.PingNb(); i++ {
		slot := uint8(i)
		at := time.Duration(uint32(c.pingSlot.PingOffset)+uint32(i)*uint32(period)) * lorawan.SlotLen
		h := c.sched.Schedule(at, func() {
			_ = c.OpenPingSlot(slot)
		})
		c.pendingPings = append(c.pendingPings, h)
	}

	log.Debug().
		Str("dev_addr", c.ID()).
		Str("addr", addr.String()).
		Uint32("beacon_time", c.deviceBcnTime).
		Uint16("offset", c.pingSlot.PingOffset).
		Uint16("ping_nb", c.pingSlot.PingNb()).
		Msg("ping slots scheduled")
}

func (c *Controller) cancelPingSlots() {
	for _, h := range c.pendingPings {
		c.sched.Cancel(h)
	}
	c.pendingPings = c.pendingPings[:0]
}

// OpenPingSlot opens the receive window of one ping slot, or transmits a
// queued relay packet in it. It refuses, leaving the state unchanged, when
// the device cannot use the slot.
func (c *Controller) OpenPingSlot(slot uint8) error {
	var err error
	switch {
	case c.radio.IsReceiving():
		err = fmt.Errorf("ping slot %d: %w", slot, ErrRadioBusy)
	case !c.beaconState.CanSchedulePings():
		err = fmt.Errorf("ping slot %d: beacon state %s: %w", slot, c.beaconState, ErrInvalidRequest)
	case c.class != lorawan.ClassB:
		err = fmt.Errorf("ping slot %d: device is class %s: %w", slot, c.class, ErrInvalidRequest)
	case c.mode != ModeIdle:
		err = fmt.Errorf("ping slot %d: mac is %s: %w", slot, c.mode, ErrRadioBusy)
	}
	if err != nil {
		log.Info().Err(err).Str("dev_addr", c.ID()).Msg("ping slot not opened")
		return err
	}

	if c.relay && c.relayPacket != nil {
		return c.relayInSlot(slot)
	}

	c.setMode(ModePingSlot)
	c.radio.Standby(c.cfg.PingFrequency, c.cfg.PingDataRate)
	c.closeWindow = c.sched.Schedule(c.windowDuration(c.pingSymbols, c.cfg.PingDataRate), c.closePingSlot)
	c.lastSlot = slot

	c.sink.Handle(events.PingSlotOpened{
		Header:  c.header(),
		Slot:    slot,
		Offset:  c.pingSlot.PingOffset,
		Symbols: c.pingSymbols,
	})
	return nil
}

// relayInSlot transmits the queued multicast copy instead of listening. The MAC
// stays in PingSlot until the transmission ends.
func (c *Controller) relayInSlot(slot uint8) error {
	p := c.relayPacket
	c.relayPacket = nil
	tx := radio.TxParams{
		Frequency: c.cfg.PingFrequency,
		DataRate:  c.cfg.PingDataRate,
		Power:     c.relayPower,
	}

	c.setMode(ModePingSlot)
	c.radio.Transmit(tx.Frequency, tx.DataRate)
	if _, err := c.medium.Transmit(c, p, tx, c.txFinished); err != nil {
		c.radio.Sleep()
		c.setMode(ModeIdle)
		return fmt.Errorf("relay in ping slot %d: %w", slot, err)
	}
	c.lastSlot = slot
	c.counters.Relayed++

	c.sink.Handle(events.PingSlotOpened{
		Header: c.header(),
		Slot:   slot,
		Offset: c.pingSlot.PingOffset,
		Relay:  true,
	})
	c.sink.Handle(events.PacketRelayed{
		Header:      c.header(),
		Destination: p.Destination,
		Hop:         p.Hop,
		Power:       c.relayPower,
	})
	log.Debug().Str("dev_addr", c.ID()).Str("packet", p.String()).Msg("relaying multicast packet")
	return nil
}

func (c *Controller) closePingSlot() {
	c.closeWindow = 0
	if c.mode != ModePingSlot && c.mode != ModePingSlotBeaconGuard {
		invariant(c.cfg.DevAddr, "close ping slot", "mode is %s", c.mode)
	}
	switch c.radio.State() {
	case radio.Receiving:
		return
	case radio.Transmitting:
		invariant(c.cfg.DevAddr, "close ping slot", "transmitting in a listening ping slot")
	}
	c.radio.Sleep()
	c.endPingSlot()
}

// endPingSlot hands the MAC back to the guard if it started meanwhile.
func (c *Controller) endPingSlot() {
	if c.mode == ModePingSlotBeaconGuard {
		c.setMode(ModeBeaconGuard)
		return
	}
	c.setMode(ModeIdle)
}

func (c *Controller) pingReceived(p *radio.Packet) {
	defer c.endPingSlot()

	if p.Uplink {
		log.Debug().Str("dev_addr", c.ID()).Msg("uplink heard in ping slot, dropped")
		c.counters.Overheard++
		return
	}

	switch {
	case p.Destination == c.cfg.DevAddr:
		c.deliver(events.Unicast, p)

	case !c.cfg.MulticastAddr.IsZero() && p.Destination == c.cfg.MulticastAddr:
		if !c.multicast {
			log.Info().Str("dev_addr", c.ID()).Msg("multicast packet received but multicast disabled")
			c.counters.Overheard++
			return
		}
		if p.Hop == 0 {
			log.Warn().Str("dev_addr", c.ID()).Str("packet", p.String()).Msg("multicast packet without hop count")
		}
		if c.relay && p.Hop < c.cfg.MaxHop {
			if c.relayPacket != nil {
				log.Warn().Str("dev_addr", c.ID()).Msg("relay queue full, replacing queued packet")
			}
			cp := p.Copy()
			cp.Hop++
			cp.Source = ""
			c.relayPacket = cp
		}
		c.deliver(events.Multicast, p)

	default:
		c.counters.Overheard++
	}
}

func (c *Controller) deliver(service events.ServiceType, p *radio.Packet) {
	c.counters.PingsReceived++
	c.sink.Handle(events.PingReceived{
		Header:      c.header(),
		Destination: p.Destination,
		Service:     service,
		Slot:        c.lastSlot,
		Size:        len(p.Payload),
		Hop:         p.Hop,
	})
	if c.onDownlink != nil {
		c.onDownlink(service, p, c.lastSlot)
	}
}

func (c *Controller) pingFailed() {
	c.counters.FailedPings++
	c.sink.Handle(events.PingFailed{Header: c.header(), Slot: c.lastSlot})
	c.endPingSlot()
}
