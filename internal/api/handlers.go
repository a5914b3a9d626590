package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/auth"
	"github.com/lorawan-server/lorawan-classb/internal/device"
	"github.com/lorawan-server/lorawan-classb/internal/network"
	"github.com/lorawan-server/lorawan-classb/internal/sim"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// ========== Auth handlers ==========

// HandleLogin handles admin login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if !s.decode(w, r, &req) {
		return
	}

	token, expires, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_at":   expires,
		"expires_in":   int(time.Until(expires).Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Simulation handlers ==========

// HandleGetStatus returns the network snapshot
func (s *RESTServer) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.sim.Status())
}

// HandleGetSummary returns the analyzer snapshot
func (s *RESTServer) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.sim.Summary())
}

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.sim.Devices()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.devAddrParam(w, r)
	if !ok {
		return
	}

	d, err := s.sim.Device(addr)
	if err != nil {
		s.respondSimError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

// HandleSetDeviceClass asks a device to change class
func (s *RESTServer) HandleSetDeviceClass(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.devAddrParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Class string `json:"class" validate:"required,oneof=A B C"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	class, err := lorawan.ParseDeviceClass(req.Class)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.sim.SetDeviceClass(addr, class); err != nil {
		s.respondSimError(w, err)
		return
	}

	log.Info().
		Str("dev_addr", addr.String()).
		Str("class", class.String()).
		Msg("Device class change requested")
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"dev_addr": addr,
		"class":    class,
	})
}

// HandleRequestPingSlotInfo queues a PingSlotInfoReq on the device
func (s *RESTServer) HandleRequestPingSlotInfo(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.devAddrParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Periodicity *uint8 `json:"periodicity" validate:"required,max=7"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.sim.RequestPingSlotInfo(addr, *req.Periodicity); err != nil {
		s.respondSimError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"dev_addr":    addr,
		"periodicity": *req.Periodicity,
	})
}

// HandleListGateways lists gateways
func (s *RESTServer) HandleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways := s.sim.Status().Gateways
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": gateways,
		"total":    len(gateways),
	})
}

// HandleSetGatewayBeacon turns the beacon of a gateway on or off
func (s *RESTServer) HandleSetGatewayBeacon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "gateway_id")

	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.sim.SetGatewayBeacon(id, *req.Enabled); err != nil {
		s.respondSimError(w, err)
		return
	}

	log.Info().
		Str("gateway_id", id).
		Bool("enabled", *req.Enabled).
		Msg("Gateway beacon changed")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateway_id": id,
		"enabled":    *req.Enabled,
	})
}

// ========== Misc handlers ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"run_id":  s.sim.RunID(),
		"health":  "/health",
		"metrics": "/metrics",
	})
}

// decode reads and validates a JSON body. It answers 400 and returns false
// on failure.
func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *RESTServer) devAddrParam(w http.ResponseWriter, r *http.Request) (lorawan.DevAddr, bool) {
	addr, err := lorawan.ParseDevAddr(chi.URLParam(r, "dev_addr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_addr")
		return addr, false
	}
	return addr, true
}

// respondSimError maps simulation errors to status codes.
func (s *RESTServer) respondSimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sim.ErrUnknownDevice), errors.Is(err, network.ErrUnknownGateway):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, device.ErrInvalidRequest), errors.Is(err, device.ErrClassCUnsupported):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// pagination reads limit and offset, defaulting limit to 50 and capping it
// at 1000.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
