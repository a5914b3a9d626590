package device

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/radio"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// startBeaconGuard runs BeaconGuard before every expected beacon.
func (c *Controller) startBeaconGuard() {
	c.nextGuard = 0

	if c.class == lorawan.ClassA {
		if c.mode != ModeIdle {
			// A searching device cannot interrupt its own Class A exchange,
			// so this search attempt is over.
			log.Warn().
				Str("dev_addr", c.ID()).
				Str("mode", c.mode.String()).
				Msg("beacon guard refused, mac busy")
			c.beaconMissed()
			return
		}
		c.setMode(ModeBeaconGuard)
	} else {
		switch c.mode {
		case ModeIdle:
			c.setMode(ModeBeaconGuard)
		case ModeRx1, ModeRx2:
			c.setMode(ModeRxBeaconGuard)
		case ModePingSlot:
			c.setMode(ModePingSlotBeaconGuard)
		default:
			invariant(c.cfg.DevAddr, "start beacon guard", "guard cannot start in mode %s", c.mode)
		}
	}

	c.endGuard = c.sched.Schedule(lorawan.BeaconGuard, c.startBeaconReserved)
}

// startBeaconReserved opens the beacon receive window.
func (c *Controller) startBeaconReserved() {
	c.endGuard = 0
	if c.mode != ModeBeaconGuard {
		invariant(c.cfg.DevAddr, "start beacon reserved", "beacon reserved must follow the guard, mode is %s", c.mode)
	}
	c.setMode(ModeBeaconReserved)

	c.radio.Standby(c.cfg.BeaconFrequency, c.cfg.BeaconDataRate)
	window := c.windowDuration(c.beaconSymbols, c.cfg.BeaconDataRate)
	if window > lorawan.BeaconReserved {
		window = lorawan.BeaconReserved
	}
	c.closeWindow = c.sched.Schedule(window, c.closeBeaconWindow)
	c.endReserved = c.sched.Schedule(lorawan.BeaconReserved, c.endBeaconReserved)

	log.Debug().
		Str("dev_addr", c.ID()).
		Uint8("symbols", c.beaconSymbols).
		Dur("window", window).
		Msg("beacon window opened")
}

func (c *Controller) closeBeaconWindow() {
	c.closeWindow = 0
	if c.mode != ModeBeaconReserved {
		invariant(c.cfg.DevAddr, "close beacon window", "beacon window outside beacon reserved, mode is %s", c.mode)
	}
	switch c.radio.State() {
	case radio.Receiving:
		// Receive or FailedReception settles the outcome.
		return
	case radio.Transmitting:
		invariant(c.cfg.DevAddr, "close beacon window", "transmitting during beacon reserved")
	case radio.Standby:
		c.radio.Sleep()
		c.beaconMissed()
	}
}

func (c *Controller) endBeaconReserved() {
	c.endReserved = 0
	if c.mode != ModeBeaconReserved {
		invariant(c.cfg.DevAddr, "end beacon reserved", "mode is %s", c.mode)
	}
	if c.radio.IsReceiving() {
		invariant(c.cfg.DevAddr, "end beacon reserved", "beacon reception exceeds the beacon reserved period")
	}
	c.setMode(ModeIdle)

	if !c.beaconState.CanSchedulePings() {
		return
	}

	if c.beaconState == BeaconLocked {
		if c.counters.ConsecutiveMissed > c.counters.MaxConsecutiveMissed {
			c.counters.MaxConsecutiveMissed = c.counters.ConsecutiveMissed
		}
		c.counters.ConsecutiveMissed = 0
	}

	if c.class == lorawan.ClassA {
		c.setClass(lorawan.ClassB)
	}
	c.schedulePingSlots()
	c.nextGuard = c.sched.Schedule(lorawan.BeaconWindow, c.startBeaconGuard)
}

func (c *Controller) receiveBeacon(p *radio.Packet) {
	if !p.Beacon {
		log.Debug().Str("dev_addr", c.ID()).Str("packet", p.String()).Msg("non beacon packet in beacon window")
		c.beaconMissed()
		return
	}
	payload, err := lorawan.ParseBeacon(p.Payload, uint32(c.sched.Now()/time.Second))
	if err != nil {
		log.Info().Err(err).Str("dev_addr", c.ID()).Msg("beacon rejected")
		c.beaconMissed()
		return
	}
	c.beaconReceived(payload)
}

func (c *Controller) beaconReceived(payload lorawan.BeaconPayload) {
	if c.beaconState == BeaconUnlocked {
		return
	}

	c.gwBcnTime = payload.Time
	c.deviceBcnTime = payload.Time
	c.resetWindows()

	first := c.beaconState == BeaconSearch
	c.setBeaconState(BeaconLocked)
	c.counters.SuccessfulBeacons++
	c.recordBeacon(true)
	c.sink.Handle(events.BeaconReceived{Header: c.header(), BeaconTime: payload.Time})

	if first {
		log.Info().Str("dev_addr", c.ID()).Uint32("beacon_time", payload.Time).Msg("beacon locked")
		c.sink.Handle(events.BeaconLocked{Header: c.header(), BeaconTime: payload.Time})
		if c.onLocked != nil {
			c.onLocked()
		}
	}
}

func (c *Controller) beaconMissed() {
	if c.beaconState == BeaconUnlocked {
		return
	}
	c.counters.MissedBeacons++
	c.recordBeacon(false)

	if c.beaconState == BeaconSearch {
		c.sink.Handle(events.BeaconMissed{Header: c.header(), State: c.beaconState.String()})
		c.setBeaconState(BeaconUnlocked)
		log.Info().Str("dev_addr", c.ID()).Msg("no beacon found")
		c.beaconLost()
		return
	}

	c.counters.ConsecutiveMissed++
	c.sink.Handle(events.BeaconMissed{
		Header:      c.header(),
		State:       c.beaconState.String(),
		Consecutive: c.counters.ConsecutiveMissed,
	})

	// The device's estimate already counts the periods missed before this one.
	elapsed := time.Duration(int64(c.deviceBcnTime)-int64(c.gwBcnTime))*time.Second + lorawan.BeaconPeriod
	if c.beaconState == Beaconless && elapsed > lorawan.MinimalBeaconlessOperation {
		if c.counters.ConsecutiveMissed > c.counters.MaxConsecutiveMissed {
			c.counters.MaxConsecutiveMissed = c.counters.ConsecutiveMissed
		}
		c.counters.ConsecutiveMissed = 0
		c.gwBcnTime, c.deviceBcnTime = 0, 0
		c.relayPacket = nil
		c.setClass(lorawan.ClassA)
		c.setBeaconState(BeaconUnlocked)
		log.Info().Str("dev_addr", c.ID()).Dur("elapsed", elapsed).Msg("beacon lost, switching back to class A")
		c.beaconLost()
		return
	}

	c.setBeaconState(Beaconless)
	c.beaconSymbols = lorawan.ExpandWindow(c.beaconSymbols, lorawan.MaxBeaconWindowSymbols)
	c.pingSymbols = lorawan.ExpandWindow(c.pingSymbols, lorawan.MaxPingWindowSymbols)
	c.deviceBcnTime += uint32(lorawan.BeaconPeriod / time.Second)

	log.Debug().
		Str("dev_addr", c.ID()).
		Uint32("consecutive", c.counters.ConsecutiveMissed).
		Uint8("beacon_symbols", c.beaconSymbols).
		Uint8("ping_symbols", c.pingSymbols).
		Msg("beaconless operation")
}

func (c *Controller) beaconLost() {
	c.sink.Handle(events.BeaconLost{Header: c.header(), Missed: c.counters.MissedBeacons})
	if c.onLost != nil {
		c.onLost()
	}
}

func (c *Controller) recordBeacon(hit bool) {
	if run, ok := c.beaconRuns.Record(hit); ok {
		c.sink.Handle(events.BeaconRunLength{Header: c.header(), Hit: run.Success, Count: run.Length})
	}
}
