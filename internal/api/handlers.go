package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mini-rodalies-3d/transitsync/internal/arrivals"
	"github.com/mini-rodalies-3d/transitsync/internal/db"
	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
	"github.com/mini-rodalies-3d/transitsync/internal/progress"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/poller"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
	"github.com/mini-rodalies-3d/transitsync/internal/tracker"
)

// ArrivalService answers stop queries. *arrivals.Reconciler implements it.
type ArrivalService interface {
	ArrivalsForStop(stopID string, mode arrivals.Mode, feedEpoch int64) []arrivals.Arrival
	FormatArrivals(list []arrivals.Arrival) []string
	GetAllTripsForStopToday(stopID string, mode arrivals.Mode, feedEpoch int64) []arrivals.Arrival
}

// CycleSource exposes the poll loop. *poller.Poller implements it.
type CycleSource interface {
	Latest() *poller.Cycle
	Follow(markerID string, filter tracker.Filter)
	Unfollow()
	FollowState() (tracker.State, tracker.Filter)
}

// StopCatalog tells known stops apart from typos. *gtfs.Schedule implements it;
// both methods accept prefixed or platform-suffixed ids.
type StopCatalog interface {
	Stop(stopID string) (gtfs.Stop, bool)
	StopTimesForStop(stopID string) []gtfs.StopTime
}

// Store reads what the poller persisted. *db.DB implements it.
type Store interface {
	DelayStats(ctx context.Context, routeID string, since time.Time) ([]db.HourlyDelay, error)
	CurrentVehicles(ctx context.Context, routeID string) ([]db.VehiclePosition, error)
	LatestHealth(ctx context.Context) ([]metrics.HealthStatus, error)
}

// Handler serves the HTTP API
type Handler struct {
	arrivals ArrivalService
	cycles   CycleSource
	stops    StopCatalog
	store    Store
	now      func() time.Time
}

// NewHandler creates a handler. store may be nil when persistence is disabled.
func NewHandler(arrivals ArrivalService, cycles CycleSource, stops StopCatalog, store Store) *Handler {
	return &Handler{arrivals: arrivals, cycles: cycles, stops: stops, store: store, now: time.Now}
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StopArrivalsResponse is the JSON response for GET /api/stops/{stopId}/arrivals
type StopArrivalsResponse struct {
	StopID    string             `json:"stopId"`
	StopName  string             `json:"stopName,omitempty"`
	Mode      arrivals.Mode      `json:"mode"`
	FeedEpoch int64              `json:"feedEpoch"`
	Lines     []string           `json:"lines"`
	Arrivals  []arrivals.Arrival `json:"arrivals"`
}

// StopTripsResponse is the JSON response for GET /api/stops/{stopId}/trips
type StopTripsResponse struct {
	StopID    string             `json:"stopId"`
	StopName  string             `json:"stopName,omitempty"`
	Mode      arrivals.Mode      `json:"mode"`
	FeedEpoch int64              `json:"feedEpoch"`
	Trips     []arrivals.Arrival `json:"trips"`
	Count     int                `json:"count"`
}

// RouteVehiclesResponse is the JSON response for GET /api/routes/{routeId}/vehicles
type RouteVehiclesResponse struct {
	RouteID  string            `json:"routeId"`
	Vehicles []progress.Marker `json:"vehicles"`
	Count    int               `json:"count"`
	PolledAt *time.Time        `json:"polledAt,omitempty"`
	Stored   bool              `json:"stored,omitempty"`
}

// FollowRequest is the body of PUT /api/follow
type FollowRequest struct {
	MarkerID    string `json:"markerId"`
	RouteID     string `json:"routeId,omitempty"`
	DirectionID *int   `json:"directionId,omitempty"`
}

// FollowResponse is the JSON response for /api/follow
type FollowResponse struct {
	tracker.State
	RouteID     string           `json:"routeId,omitempty"`
	DirectionID int              `json:"directionId"`
	Marker      *progress.Marker `json:"marker,omitempty"`
}

// DelaysResponse is the JSON response for GET /api/delays/{routeId}
type DelaysResponse struct {
	RouteID string           `json:"routeId"`
	Hours   int              `json:"hours"`
	Stats   []db.HourlyDelay `json:"stats"`
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status    string     `json:"status"`
	LastPoll  *time.Time `json:"lastPoll,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Routes    int        `json:"routes"`
	Vehicles  int        `json:"vehicles"`
	Health    any        `json:"health,omitempty"`
}

// Health handles GET /health. It reports "starting" until the first cycle completes,
// with the last persisted route health when there is any.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "starting", Timestamp: h.now().UTC()}
	if c := h.cycles.Latest(); c != nil {
		resp.Status = "ok"
		polledAt := c.PolledAt
		resp.LastPoll = &polledAt
		resp.Routes = len(c.Markers)
		for _, markers := range c.Markers {
			resp.Vehicles += len(markers)
		}
		if len(c.Health) > 0 {
			resp.Health = c.Health
		}
	} else if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		stored, err := h.store.LatestHealth(ctx)
		if err != nil {
			log.Printf("API: failed to read stored health: %v", err)
		} else if len(stored) > 0 {
			resp.Health = stored
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStopArrivals handles GET /api/stops/{stopId}/arrivals?mode=online|offline
func (h *Handler) GetStopArrivals(w http.ResponseWriter, r *http.Request) {
	q, ok := h.stopQuery(w, r)
	if !ok {
		return
	}
	feedEpoch := h.feedEpoch()
	list := h.arrivals.ArrivalsForStop(q.stopID, q.mode, feedEpoch)

	writeJSON(w, http.StatusOK, StopArrivalsResponse{
		StopID:    q.stopID,
		StopName:  q.stopName,
		Mode:      q.mode,
		FeedEpoch: feedEpoch,
		Lines:     h.arrivals.FormatArrivals(list),
		Arrivals:  list,
	})
}

// GetStopTrips handles GET /api/stops/{stopId}/trips?mode=online|offline
func (h *Handler) GetStopTrips(w http.ResponseWriter, r *http.Request) {
	q, ok := h.stopQuery(w, r)
	if !ok {
		return
	}
	feedEpoch := h.feedEpoch()
	trips := h.arrivals.GetAllTripsForStopToday(q.stopID, q.mode, feedEpoch)

	writeJSON(w, http.StatusOK, StopTripsResponse{
		StopID:    q.stopID,
		StopName:  q.stopName,
		Mode:      q.mode,
		FeedEpoch: feedEpoch,
		Trips:     trips,
		Count:     len(trips),
	})
}

// GetRouteVehicles handles GET /api/routes/{routeId}/vehicles?direction=N.
// Before the first cycle it serves the last positions persisted by a previous run.
func (h *Handler) GetRouteVehicles(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")
	direction := -1
	if raw := r.URL.Query().Get("direction"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 || d > 1 {
			writeError(w, http.StatusBadRequest, "direction must be 0 or 1")
			return
		}
		direction = d
	}

	resp := RouteVehiclesResponse{RouteID: routeID, Vehicles: []progress.Marker{}}
	if c := h.cycles.Latest(); c != nil {
		polledAt := c.PolledAt
		resp.PolledAt = &polledAt
		for key, markers := range c.Markers {
			if !strings.EqualFold(key, routeID) && !idnorm.RoutesMatch(key, routeID) {
				continue
			}
			resp.RouteID = key
			for _, m := range markers {
				if direction < 0 || m.DirectionID == direction {
					resp.Vehicles = append(resp.Vehicles, m)
				}
			}
			break
		}
	} else if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		stored, err := h.store.CurrentVehicles(ctx, "")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to get vehicles",
				Details: map[string]interface{}{"internal": err.Error()},
			})
			return
		}
		resp.Stored = true
		for _, p := range stored {
			if p.RouteID == nil || (!strings.EqualFold(*p.RouteID, routeID) && !idnorm.RoutesMatch(*p.RouteID, routeID)) {
				continue
			}
			if direction < 0 || p.DirectionID == direction {
				resp.Vehicles = append(resp.Vehicles, storedMarker(p))
			}
		}
	}
	resp.Count = len(resp.Vehicles)

	w.Header().Set("Cache-Control", "public, max-age=5")
	writeJSON(w, http.StatusOK, resp)
}

// GetFollow handles GET /api/follow
func (h *Handler) GetFollow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.followResponse())
}

// PutFollow handles PUT /api/follow
func (h *Handler) PutFollow(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.MarkerID = strings.TrimSpace(req.MarkerID)
	if req.MarkerID == "" {
		writeError(w, http.StatusBadRequest, "markerId is required")
		return
	}

	filter := tracker.Filter{RouteID: strings.TrimSpace(req.RouteID), DirectionID: -1}
	if req.DirectionID != nil {
		filter.DirectionID = *req.DirectionID
	}
	h.cycles.Follow(req.MarkerID, filter)
	writeJSON(w, http.StatusOK, h.followResponse())
}

// DeleteFollow handles DELETE /api/follow
func (h *Handler) DeleteFollow(w http.ResponseWriter, r *http.Request) {
	h.cycles.Unfollow()
	w.WriteHeader(http.StatusNoContent)
}

// GetDelays handles GET /api/delays/{routeId}?hours=N (default 24, at most 720)
func (h *Handler) GetDelays(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "delay statistics are not being recorded")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	routeID := chi.URLParam(r, "routeId")
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 720 {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 720")
			return
		}
		hours = n
	}

	stats, err := h.store.DelayStats(ctx, routeID, h.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get delay stats",
			Details: map[string]interface{}{"internal": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, DelaysResponse{RouteID: routeID, Hours: hours, Stats: stats})
}

type stopParams struct {
	stopID   string
	stopName string
	mode     arrivals.Mode
}

// stopQuery validates the stop and mode. Prefixed or platform-suffixed ids
// ("stop:71801", "71801_2") are known when their normalized key is.
func (h *Handler) stopQuery(w http.ResponseWriter, r *http.Request) (stopParams, bool) {
	q := stopParams{stopID: strings.TrimSpace(chi.URLParam(r, "stopId"))}
	mode, err := arrivals.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return q, false
	}
	q.mode = mode
	if h.stops == nil {
		return q, true
	}
	stop, known := h.stops.Stop(q.stopID)
	if !known && len(h.stops.StopTimesForStop(q.stopID)) == 0 {
		writeError(w, http.StatusNotFound, "unknown stop "+q.stopID)
		return q, false
	}
	q.stopName = stop.StopName
	return q, true
}

// storedMarker rebuilds a marker from a persisted position. Route display
// fields are left empty; the client already has them from the live feed.
func storedMarker(p db.VehiclePosition) progress.Marker {
	m := progress.Marker{
		ID:          p.VehicleKey,
		RouteID:     deref(p.RouteID),
		TripID:      deref(p.TripID),
		Label:       deref(p.Label),
		Status:      deref(p.Status),
		DirectionID: p.DirectionID,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Bearing:     p.Bearing,
	}
	if p.Progress != nil {
		m.Progress = *p.Progress
	}
	if p.VehicleTimestamp != nil {
		m.Timestamp = p.VehicleTimestamp.Unix()
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// feedEpoch anchors stop queries on the last feed header, else the wall clock
func (h *Handler) feedEpoch() int64 {
	if c := h.cycles.Latest(); c != nil && c.FeedEpoch > 0 {
		return c.FeedEpoch
	}
	return h.now().Unix()
}

func (h *Handler) followResponse() FollowResponse {
	state, filter := h.cycles.FollowState()
	resp := FollowResponse{State: state, RouteID: filter.RouteID, DirectionID: filter.DirectionID}
	if c := h.cycles.Latest(); c != nil && c.Followed != nil && strings.EqualFold(c.Followed.ID, state.MarkerID) {
		resp.Marker = c.Followed
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
