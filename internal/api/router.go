// Package api exposes stop arrivals, route vehicles and the followed vehicle over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the handler and websocket hub into a chi router
func NewRouter(h *Handler, hub *Hub, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))

		r.Get("/stops/{stopId}/arrivals", h.GetStopArrivals)
		r.Get("/stops/{stopId}/trips", h.GetStopTrips)
		r.Get("/routes/{routeId}/vehicles", h.GetRouteVehicles)
		r.Get("/delays/{routeId}", h.GetDelays)

		r.Get("/follow", h.GetFollow)
		r.Put("/follow", h.PutFollow)
		r.Delete("/follow", h.DeleteFollow)
	})

	if hub != nil {
		r.Get("/ws/vehicles", hub.ServeHTTP)
	}

	return r
}
