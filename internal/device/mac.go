package device

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// RequestPingSlotInfo queues a PingSlotInfoReq on the next uplink. The new
// periodicity applies once the network answers.
func (c *Controller) RequestPingSlotInfo(periodicity uint8) error {
	cmd, err := lorawan.NewPingSlotInfoReq(periodicity)
	if err != nil {
		return fmt.Errorf("device %s: %w", c.cfg.DevAddr, err)
	}
	c.pendingPeriodicity = &periodicity
	c.queueMACCommand(cmd)
	return nil
}

// RequestDeviceTime queues a DeviceTimeReq on the next uplink.
func (c *Controller) RequestDeviceTime() {
	c.queueMACCommand(lorawan.MACCommand{CID: lorawan.DeviceTimeReq})
}

// PendingMACCommands returns the commands waiting for the next uplink.
func (c *Controller) PendingMACCommands() []lorawan.MACCommand {
	return append([]lorawan.MACCommand(nil), c.macCommands...)
}

// queueMACCommand keeps at most one command per CID, the latest one.
func (c *Controller) queueMACCommand(cmd lorawan.MACCommand) {
	for i, q := range c.macCommands {
		if q.CID == cmd.CID {
			c.macCommands[i] = cmd
			return
		}
	}
	c.macCommands = append(c.macCommands, cmd)
}

// handleMACCommands processes the commands of a Class A downlink.
func (c *Controller) handleMACCommands(cmds []lorawan.MACCommand) {
	for _, cmd := range cmds {
		switch cmd.CID {
		case lorawan.PingSlotInfoAns:
			c.handlePingSlotInfoAns()

		case lorawan.PingSlotChannelReq:
			c.handlePingSlotChannelReq(cmd.Payload)

		case lorawan.BeaconFreqReq:
			c.handleBeaconFreqReq(cmd.Payload)

		case lorawan.DeviceTimeAns:
			c.handleDeviceTimeAns(cmd.Payload)

		default:
			log.Debug().
				Uint8("cid", cmd.CID).
				Str("dev_addr", c.ID()).
				Msg("mac command ignored")
		}
	}
}

func (c *Controller) handlePingSlotInfoAns() {
	if c.pendingPeriodicity == nil {
		log.Warn().Str("dev_addr", c.ID()).Msg("PingSlotInfoAns without a pending request")
		return
	}
	periodicity := *c.pendingPeriodicity
	c.pendingPeriodicity = nil
	if err := c.SetPeriodicity(periodicity); err != nil {
		log.Error().Err(err).Str("dev_addr", c.ID()).Msg("applying ping slot periodicity")
		return
	}
	log.Info().
		Str("dev_addr", c.ID()).
		Uint8("periodicity", periodicity).
		Uint16("ping_nb", c.pingSlot.PingNb()).
		Msg("ping slot periodicity acknowledged")
}

func (c *Controller) handlePingSlotChannelReq(payload []byte) {
	var req lorawan.PingSlotChannelReqPayload
	if err := req.UnmarshalBinary(payload); err != nil {
		log.Warn().Err(err).Str("dev_addr", c.ID()).Msg("invalid PingSlotChannelReq")
		return
	}

	freq := req.Frequency
	if freq == 0 {
		freq = lorawan.DefaultPingFrequency
	}
	ans := lorawan.PingSlotChannelAnsPayload{
		ChannelFrequencyOK: c.region.SubBandIndex(freq) >= 0,
	}
	_, err := c.region.DataRate(int(req.DR))
	ans.DataRateOK = err == nil

	if ans.ChannelFrequencyOK && ans.DataRateOK {
		c.cfg.PingFrequency = freq
		c.cfg.PingDataRate = int(req.DR)
	}
	log.Debug().
		Str("dev_addr", c.ID()).
		Uint32("frequency", freq).
		Uint8("dr", req.DR).
		Bool("frequency_ok", ans.ChannelFrequencyOK).
		Bool("dr_ok", ans.DataRateOK).
		Msg("PingSlotChannelReq")

	cmd, err := lorawan.NewMACCommand(lorawan.PingSlotChannelAns, ans)
	if err != nil {
		log.Error().Err(err).Str("dev_addr", c.ID()).Msg("encoding PingSlotChannelAns")
		return
	}
	c.queueMACCommand(cmd)
}

func (c *Controller) handleBeaconFreqReq(payload []byte) {
	var req lorawan.BeaconFreqReqPayload
	if err := req.UnmarshalBinary(payload); err != nil {
		log.Warn().Err(err).Str("dev_addr", c.ID()).Msg("invalid BeaconFreqReq")
		return
	}

	freq := req.Frequency
	if freq == 0 {
		freq = lorawan.DefaultBeaconFrequency
	}
	ans := lorawan.BeaconFreqAnsPayload{BeaconFrequencyOK: c.region.SubBandIndex(freq) >= 0}
	if ans.BeaconFrequencyOK {
		c.cfg.BeaconFrequency = freq
	}
	log.Debug().
		Str("dev_addr", c.ID()).
		Uint32("frequency", freq).
		Bool("ok", ans.BeaconFrequencyOK).
		Msg("BeaconFreqReq")

	cmd, err := lorawan.NewMACCommand(lorawan.BeaconFreqAns, ans)
	if err != nil {
		log.Error().Err(err).Str("dev_addr", c.ID()).Msg("encoding BeaconFreqAns")
		return
	}
	c.queueMACCommand(cmd)
}

func (c *Controller) handleDeviceTimeAns(payload []byte) {
	var ans lorawan.DeviceTimeAnsPayload
	if err := ans.UnmarshalBinary(payload); err != nil {
		log.Warn().Err(err).Str("dev_addr", c.ID()).Msg("invalid DeviceTimeAns")
		return
	}
	// The device clock is the event loop, so the answer only seeds the
	// beacon time estimate of a device that has never locked.
	seconds := lorawan.BeaconTimeField(ans.TimeSinceGPSEpoch)
	if c.gwBcnTime == 0 && c.beaconState == BeaconUnlocked {
		c.deviceBcnTime = seconds - seconds%uint32(lorawan.BeaconPeriod.Seconds())
	}
	log.Debug().
		Str("dev_addr", c.ID()).
		Uint32("gps_seconds", seconds).
		Dur("gps_time", ans.TimeSinceGPSEpoch).
		Msg("DeviceTimeAns")
}
