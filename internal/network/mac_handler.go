package network

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/scheduler"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// The medium only models RSSI, so LinkCheckAns reports a fixed demodulation
// margin.
const linkCheckMargin uint8 = 10

// MACCommandHandler answers the MAC commands carried by device uplinks.
type MACCommandHandler struct {
	registry *Registry
	region   *lorawan.RegionConfiguration
	sched    scheduler.Scheduler
	sink     events.Sink
}

func NewMACCommandHandler(registry *Registry, region *lorawan.RegionConfiguration, sched scheduler.Scheduler, sink events.Sink) *MACCommandHandler {
	if sink == nil {
		sink = events.Discard
	}
	return &MACCommandHandler{
		registry: registry,
		region:   region,
		sched:    sched,
		sink:     sink,
	}
}

// HandleUplink processes the commands of one uplink and returns the answers
// to send in the next receive window.
func (h *MACCommandHandler) HandleUplink(addr lorawan.DevAddr, commands []lorawan.MACCommand) []lorawan.MACCommand {
	var responses []lorawan.MACCommand

	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			responses = append(responses, h.handleLinkCheckReq(addr))

		case lorawan.DevStatusAns:
			h.handleDevStatusAns(addr, cmd.Payload)

		case lorawan.DeviceTimeReq:
			if ans, ok := h.handleDeviceTimeReq(addr); ok {
				responses = append(responses, ans)
			}

		case lorawan.PingSlotInfoReq:
			if ans, ok := h.handlePingSlotInfoReq(addr, cmd.Payload); ok {
				responses = append(responses, ans)
			}

		case lorawan.PingSlotChannelAns:
			h.handlePingSlotChannelAns(addr, cmd.Payload)

		case lorawan.BeaconFreqAns:
			h.handleBeaconFreqAns(addr, cmd.Payload)

		default:
			log.Warn().
				Uint8("cid", cmd.CID).
				Str("dev_addr", addr.String()).
				Msg("unhandled mac command")
		}
	}
	return responses
}

func (h *MACCommandHandler) handleLinkCheckReq(addr lorawan.DevAddr) lorawan.MACCommand {
	gwCnt := uint8(len(h.registry.LastUplink(addr)))

	log.Debug().
		Str("dev_addr", addr.String()).
		Uint8("margin", linkCheckMargin).
		Uint8("gw_cnt", gwCnt).
		Msg("answering LinkCheckReq")

	return lorawan.MACCommand{CID: lorawan.LinkCheckAns, Payload: []byte{linkCheckMargin, gwCnt}}
}

func (h *MACCommandHandler) handleDevStatusAns(addr lorawan.DevAddr, payload []byte) {
	if len(payload) < 2 {
		log.Warn().Str("dev_addr", addr.String()).Msg("invalid DevStatusAns")
		return
	}
	// The margin is a signed 6 bit value.
	margin := int8(payload[1]<<2) >> 2

	log.Info().
		Str("dev_addr", addr.String()).
		Uint8("battery", payload[0]).
		Int8("margin", margin).
		Msg("device status")
}

// handleDeviceTimeReq answers with the GPS time at the end of the uplink.
func (h *MACCommandHandler) handleDeviceTimeReq(addr lorawan.DevAddr) (lorawan.MACCommand, bool) {
	now := h.sched.Now()
	cmd, err := lorawan.NewMACCommand(lorawan.DeviceTimeAns, lorawan.DeviceTimeAnsPayload{TimeSinceGPSEpoch: now})
	if err != nil {
		log.Error().Err(err).Str("dev_addr", addr.String()).Msg("encoding DeviceTimeAns")
		return lorawan.MACCommand{}, false
	}

	log.Debug().
		Str("dev_addr", addr.String()).
		Uint32("gps_seconds", lorawan.BeaconTimeField(now)).
		Msg("answering DeviceTimeReq")

	return cmd, true
}

// handlePingSlotInfoReq stores the new periodicity. A device the network did
// not know yet is registered, with Class B scheduling off until it is
// switched on.
func (h *MACCommandHandler) handlePingSlotInfoReq(addr lorawan.DevAddr, payload []byte) (lorawan.MACCommand, bool) {
	var req lorawan.PingSlotInfoReqPayload
	if err := req.UnmarshalBinary(payload); err != nil {
		log.Warn().Err(err).Str("dev_addr", addr.String()).Msg("invalid PingSlotInfoReq")
		return lorawan.MACCommand{}, false
	}

	if _, err := h.registry.Device(addr); err != nil {
		if err := h.registry.AddDevice(Device{Address: addr}); err != nil {
			log.Error().Err(err).Str("dev_addr", addr.String()).Msg("registering device")
			return lorawan.MACCommand{}, false
		}
	}
	if err := h.registry.SetDevicePeriodicity(addr, req.Periodicity); err != nil {
		log.Warn().Err(err).Str("dev_addr", addr.String()).Msg("PingSlotInfoReq rejected")
		return lorawan.MACCommand{}, false
	}

	h.sink.Handle(events.PingSlotInfoAccepted{
		Header:      events.Header{At: h.sched.Now(), DevAddr: addr},
		Periodicity: req.Periodicity,
	})
	log.Info().
		Str("dev_addr", addr.String()).
		Uint8("periodicity", req.Periodicity).
		Msg("ping slot periodicity updated")

	return lorawan.MACCommand{CID: lorawan.PingSlotInfoAns}, true
}

func (h *MACCommandHandler) handlePingSlotChannelAns(addr lorawan.DevAddr, payload []byte) {
	var ans lorawan.PingSlotChannelAnsPayload
	if err := ans.UnmarshalBinary(payload); err != nil {
		log.Warn().Err(err).Str("dev_addr", addr.String()).Msg("invalid PingSlotChannelAns")
		return
	}

	event := log.Info()
	if !ans.ChannelFrequencyOK || !ans.DataRateOK {
		event = log.Warn()
	}
	event.
		Str("dev_addr", addr.String()).
		Bool("frequency_ok", ans.ChannelFrequencyOK).
		Bool("dr_ok", ans.DataRateOK).
		Msg("PingSlotChannelAns")
}

func (h *MACCommandHandler) handleBeaconFreqAns(addr lorawan.DevAddr, payload []byte) {
	var ans lorawan.BeaconFreqAnsPayload
	if err := ans.UnmarshalBinary(payload); err != nil {
		log.Warn().Err(err).Str("dev_addr", addr.String()).Msg("invalid BeaconFreqAns")
		return
	}
	event := log.Info()
	if !ans.BeaconFrequencyOK {
		event = log.Warn()
	}
	event.
		Str("dev_addr", addr.String()).
		Bool("frequency_ok", ans.BeaconFrequencyOK).
		Msg("BeaconFreqAns")
}
