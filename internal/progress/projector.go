package progress

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
)

// RouteInfo supplies display metadata for a route
type RouteInfo interface {
	Route(routeID string) (gtfs.Route, bool)
	Headsign(routeID string, directionID int) string
}

// TripMatcher resolves a vehicle's trip to a static trip
type TripMatcher interface {
	MatchByTripIDAndRoute(tripID, routeID string, directionID int) (gtfs.Trip, bool)
}

// Marker is a vehicle placed on a route
type Marker struct {
	ID             string   `json:"id"`
	VehicleID      string   `json:"vehicleId,omitempty"`
	TripID         string   `json:"tripId,omitempty"`
	RouteID        string   `json:"routeId"`
	RouteShortName string   `json:"routeShortName"`
	RouteLongName  string   `json:"routeLongName,omitempty"`
	RouteColor     string   `json:"routeColor,omitempty"`
	VehicleType    string   `json:"vehicleType"`
	DirectionID    int      `json:"directionId"`
	Headsign       string   `json:"headsign,omitempty"`
	Label          string   `json:"label,omitempty"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	Bearing        *float64 `json:"bearing,omitempty"`
	Progress       float64  `json:"progress"`
	Occupancy      string   `json:"occupancy,omitempty"`
	Status         string   `json:"status,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
}

// Projector builds route markers from vehicle snapshots
type Projector struct {
	routes RouteInfo
	trips  TripMatcher
}

// NewProjector creates a projector. trips may be nil, in which case only the explicit
// route and direction fields of a snapshot are used.
func NewProjector(routes RouteInfo, trips TripMatcher) *Projector {
	return &Projector{routes: routes, trips: trips}
}

// ResolveRoute returns the route and direction a vehicle is serving: explicit fields first,
// then whatever its trip resolves to, then the line code in its label. Direction is -1
// when unknown.
func (p *Projector) ResolveRoute(v feed.VehicleSnapshot) (string, int) {
	routeID, directionID := v.RouteID, v.DirectionID
	if (routeID == "" || directionID < 0) && v.TripID != "" && p.trips != nil {
		if trip, ok := p.trips.MatchByTripIDAndRoute(v.TripID, v.RouteID, v.DirectionID); ok {
			if routeID == "" {
				routeID = trip.RouteID
			}
			if directionID < 0 {
				directionID = trip.DirectionID
			}
		}
	}
	if routeID == "" {
		if code := idnorm.LineCodeFromLabel(v.Label); code != "" {
			if route, ok := p.routes.Route(code); ok {
				routeID = route.RouteID
			}
		}
	}
	return routeID, directionID
}

// BuildForRoute places every vehicle serving routeID on the line through stops and returns
// the markers ordered by progress. directionFilter -1 keeps both directions. Fewer than two
// stops yields no markers.
func (p *Projector) BuildForRoute(snaps []feed.VehicleSnapshot, routeID string, stops []gtfs.Stop, directionFilter int) []Marker {
	points := make([]Point, 0, len(stops))
	for _, s := range stops {
		points = append(points, Point{Lat: s.StopLat, Lon: s.StopLon})
	}
	line, err := NewPolyline(points)
	if err != nil {
		return nil
	}

	route, _ := p.routes.Route(routeID)
	canonical := routeID
	if route.RouteID != "" {
		canonical = route.RouteID
	}

	byID := make(map[string]Marker)
	for _, v := range snaps {
		resolvedRoute, direction := p.ResolveRoute(v)
		if !sameRoute(resolvedRoute, routeID) {
			continue
		}
		if directionFilter >= 0 && direction != directionFilter {
			continue
		}

		m := Marker{
			ID:             markerIdentity(v),
			VehicleID:      v.VehicleID,
			TripID:         v.TripID,
			RouteID:        canonical,
			RouteShortName: route.RouteShortName,
			RouteLongName:  route.RouteLongName,
			RouteColor:     route.RouteColor,
			VehicleType:    gtfs.VehicleType(route.RouteType),
			DirectionID:    direction,
			Label:          v.Label,
			Latitude:       v.Lat,
			Longitude:      v.Lon,
			Bearing:        v.Bearing,
			Progress:       line.Project(v.Lat, v.Lon),
			Occupancy:      v.Occupancy,
			Status:         v.Status,
			Timestamp:      v.Timestamp,
		}
		if m.RouteShortName == "" {
			m.RouteShortName = canonical
		}
		m.Headsign = p.routes.Headsign(canonical, direction)

		if existing, ok := byID[m.ID]; ok && existing.Timestamp >= m.Timestamp {
			continue
		}
		byID[m.ID] = m
	}

	markers := make([]Marker, 0, len(byID))
	for _, m := range byID {
		markers = append(markers, m)
	}
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].Progress != markers[j].Progress {
			return markers[i].Progress < markers[j].Progress
		}
		return markers[i].ID < markers[j].ID
	})
	return markers
}

// markerIdentity is the vehicle id, else the trip id, else a stable id derived from position
func markerIdentity(v feed.VehicleSnapshot) string {
	if id := v.MarkerID(); id != "" {
		return id
	}
	if v.EntityID != "" {
		return v.EntityID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%.6f,%.6f", v.Lat, v.Lon))).String()
}

func sameRoute(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b) || idnorm.RoutesMatch(a, b)
}
