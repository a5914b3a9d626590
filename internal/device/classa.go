package device

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// UplinkFPort is the application port of uplinks sent through Send.
const UplinkFPort = 1

// Send queues a Class A uplink. The conflict strategy may postpone it past
// Class B activity; a later Send replaces an uplink that is still waiting.
func (c *Controller) Send(payload []byte) error {
	if max := c.region.MaxAppPayload(c.cfg.DataRate); len(payload) > max {
		return fmt.Errorf("send %d bytes at DR%d (max %d): %w", len(payload), c.cfg.DataRate, max, ErrPayloadTooLarge)
	}
	p := &radio.Packet{
		Uplink:      true,
		Destination: c.cfg.DevAddr,
		FPort:       UplinkFPort,
		Payload:     append([]byte(nil), payload...),
	}

	if c.sched.Pending(c.nextTx) {
		log.Debug().Str("dev_addr", c.ID()).Msg("replacing postponed uplink")
	}
	c.sched.Cancel(c.nextTx)
	c.nextTx = 0
	c.doSend(p, c.sched.Now())
	return nil
}

func (c *Controller) conflictState() ConflictState {
	s := ConflictState{
		Class:          c.class,
		Mode:           c.mode,
		GuardRemaining: c.sched.Remaining(c.endGuard),
		NextGuard:      c.sched.Remaining(c.nextGuard),
		PingOffset:     c.pingSlot.PingOffset,
	}
	switch {
	case c.sched.Pending(c.endReserved):
		s.ReservedRemaining = c.sched.Remaining(c.endReserved)
	case c.sched.Pending(c.endGuard):
		s.ReservedRemaining = lorawan.BeaconReserved
	}
	return s
}

func (c *Controller) doSend(p *radio.Packet, requested time.Duration) {
	c.nextTx = 0
	delay := c.strategy.TransmitDelay(c.conflictState(), c.rng)
	if delay == 0 && c.mode != ModeIdle {
		delay = BusyRetryDelay
	}
	if delay > 0 {
		log.Debug().
			Str("dev_addr", c.ID()).
			Str("mode", c.mode.String()).
			Dur("delay", delay).
			Msg("uplink postponed")
		c.nextTx = c.sched.Schedule(delay, func() {
			c.doSend(p, requested)
		})
		return
	}
	c.sendToPhy(p, requested)
}

func (c *Controller) sendToPhy(p *radio.Packet, requested time.Duration) {
	if len(c.macCommands) > 0 {
		fopts, err := lorawan.EncodeMACCommands(c.macCommands)
		if err != nil {
			log.Error().Err(err).Str("dev_addr", c.ID()).Msg("dropping mac commands")
		} else {
			p.FOpts = fopts
		}
		c.macCommands = nil
	}

	tx := radio.TxParams{
		Frequency: c.cfg.Frequency,
		DataRate:  c.cfg.DataRate,
		Power:     c.cfg.TxPower,
	}
	c.setMode(ModeTx)
	c.radio.Transmit(tx.Frequency, tx.DataRate)
	airtime, err := c.medium.Transmit(c, p, tx, c.txFinished)
	if err != nil {
		log.Error().Err(err).Str("dev_addr", c.ID()).Msg("uplink not sent")
		c.radio.Sleep()
		c.setMode(ModeIdle)
		return
	}

	c.counters.UplinksSent++
	c.sink.Handle(events.UplinkSent{
		Header: c.header(),
		Size:   p.Size(),
		Delay:  c.sched.Now() - requested,
	})
	log.Debug().
		Str("dev_addr", c.ID()).
		Int("size", p.Size()).
		Dur("airtime", airtime).
		Msg("uplink sent")
}

// txFinished runs when the radio leaves the air. A transmission inside a
// ping slot was a relay and opens no receive windows.
func (c *Controller) txFinished() {
	c.radio.Sleep()
	switch c.mode {
	case ModePingSlot:
		c.setMode(ModeIdle)
		return
	case ModePingSlotBeaconGuard:
		c.setMode(ModeBeaconGuard)
		return
	}

	c.rx1 = c.sched.Schedule(ReceiveDelay1, c.openFirstWindow)
	c.rx2 = c.sched.Schedule(ReceiveDelay2, c.openSecondWindow)
	c.setMode(ModeIdle)
}

func (c *Controller) rx1DataRate() int {
	dr, err := c.region.GetRX1DataRateOffset(uint8(c.cfg.DataRate), c.cfg.RX1DROffset)
	if err != nil {
		return c.cfg.DataRate
	}
	return int(dr)
}

// Class B periods own the radio: a receive window that would start during
// one is skipped.
func (c *Controller) openFirstWindow() {
	c.rx1 = 0
	if c.mode != ModeIdle || c.radio.IsReceiving() {
		log.Debug().Str("dev_addr", c.ID()).Str("mode", c.mode.String()).Msg("first receive window skipped")
		return
	}
	dr := c.rx1DataRate()
	c.radio.Standby(c.cfg.Frequency, dr)
	c.closeWindow = c.sched.Schedule(c.windowDuration(c.cfg.ReceiveWindowSymbols, dr), c.closeReceiveWindow)
	c.setMode(ModeRx1)
}

func (c *Controller) openSecondWindow() {
	c.rx2 = 0
	if c.mode != ModeIdle || c.radio.IsReceiving() {
		log.Debug().Str("dev_addr", c.ID()).Str("mode", c.mode.String()).Msg("second receive window skipped")
		return
	}
	c.radio.Standby(c.cfg.RX2Frequency, c.cfg.RX2DataRate)
	c.closeWindow = c.sched.Schedule(c.windowDuration(c.cfg.ReceiveWindowSymbols, c.cfg.RX2DataRate), c.closeReceiveWindow)
	c.setMode(ModeRx2)
}

func (c *Controller) closeReceiveWindow() {
	c.closeWindow = 0
	switch c.radio.State() {
	case radio.Receiving:
		return
	case radio.Transmitting:
		invariant(c.cfg.DevAddr, "close receive window", "transmitting in a receive window")
	}
	c.radio.Sleep()
	c.endReceiveWindow()
}

func (c *Controller) endReceiveWindow() {
	if c.mode == ModeRxBeaconGuard {
		c.setMode(ModeBeaconGuard)
		return
	}
	c.setMode(ModeIdle)
}

// Lock implements radio.Endpoint. Devices only demodulate downlinks and
// beacons on the channel they are listening to.
func (c *Controller) Lock(p *radio.Packet, tx radio.TxParams) bool {
	if p.Uplink {
		return false
	}
	return c.radio.TryLock(p, tx)
}

// Receive implements radio.Endpoint.
func (c *Controller) Receive(p *radio.Packet, info radio.RxInfo) {
	if !c.radio.EndReception(p.ID) {
		return
	}
	c.sched.Cancel(c.closeWindow)
	c.closeWindow = 0

	switch c.mode {
	case ModeBeaconReserved:
		c.receiveBeacon(p)
	case ModePingSlot, ModePingSlotBeaconGuard:
		if p.Beacon {
			log.Debug().Str("dev_addr", c.ID()).Msg("beacon received in a ping slot, dropped")
			c.endPingSlot()
			break
		}
		c.pingReceived(p)
	case ModeRx1, ModeRx2, ModeRxBeaconGuard:
		if p.Beacon {
			log.Debug().Str("dev_addr", c.ID()).Msg("beacon received in a class A window, dropped")
		} else {
			c.classADownlink(p)
		}
		c.endReceiveWindow()
	default:
		log.Warn().Str("dev_addr", c.ID()).Str("mode", c.mode.String()).Msg("packet received outside any window")
	}
	c.radio.Sleep()
}

// FailedReception implements radio.Endpoint.
func (c *Controller) FailedReception(p *radio.Packet) {
	if !c.radio.EndReception(p.ID) {
		return
	}
	c.sched.Cancel(c.closeWindow)
	c.closeWindow = 0
	c.radio.Sleep()

	switch c.mode {
	case ModeBeaconReserved:
		c.beaconMissed()
	case ModePingSlot, ModePingSlotBeaconGuard:
		c.pingFailed()
	case ModeRx1, ModeRx2, ModeRxBeaconGuard:
		c.endReceiveWindow()
	}
}

func (c *Controller) classADownlink(p *radio.Packet) {
	if p.Uplink || p.Destination != c.cfg.DevAddr {
		c.counters.Overheard++
		return
	}
	c.sched.Cancel(c.rx2)
	c.rx2 = 0
	c.counters.DownlinksReceived++

	if len(p.FOpts) == 0 {
		return
	}
	cmds, err := lorawan.ParseMACCommands(false, p.FOpts)
	if err != nil {
		log.Warn().Err(err).Str("dev_addr", c.ID()).Msg("invalid mac commands in downlink")
		return
	}
	c.handleMACCommands(cmds)
}
