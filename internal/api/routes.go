package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Post("/auth/login", s.HandleLogin)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.HandleGetStatus)
		r.Get("/summary", s.HandleGetSummary)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Route("/{dev_addr}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.With(s.adminMiddleware).Post("/class", s.HandleSetDeviceClass)
				r.With(s.adminMiddleware).Post("/ping-slot-info", s.HandleRequestPingSlotInfo)
			})
		})

		// Gateways
		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.HandleListGateways)
			r.With(s.adminMiddleware).Put("/{gateway_id}/beacon", s.HandleSetGatewayBeacon)
		})

		// Stored history
		r.Get("/events", s.HandleListEvents)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.HandleListRuns)
			r.Get("/{id}", s.HandleGetRun)
		})
	})
}
