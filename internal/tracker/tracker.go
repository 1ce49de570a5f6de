// Package tracker keeps a single followed vehicle resolved across polling cycles.
package tracker

import (
	"strings"
	"sync"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
)

// MissThreshold is the number of consecutive cycles without a match after which
// the followed vehicle is released
const MissThreshold = 3

// RouteResolver maps a vehicle to the route and direction it serves
type RouteResolver interface {
	ResolveRoute(v feed.VehicleSnapshot) (string, int)
}

// Filter narrows resolution to a route and direction. Empty RouteID and DirectionID -1
// match anything.
type Filter struct {
	RouteID     string
	DirectionID int
}

// AnyRoute matches every vehicle
var AnyRoute = Filter{DirectionID: -1}

// State is a copy of the tracker's state
type State struct {
	MarkerID  string `json:"markerId,omitempty"`
	MissCount int    `json:"missCount"`
	Following bool   `json:"following"`
}

// Tracker is safe for concurrent use
type Tracker struct {
	resolver RouteResolver

	mu        sync.Mutex
	markerID  string
	missCount int
}

// New creates an unfollowed tracker. resolver may be nil when filters are never used.
func New(resolver RouteResolver) *Tracker {
	return &Tracker{resolver: resolver}
}

// Follow starts following markerID with a fresh miss count
func (t *Tracker) Follow(markerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markerID = strings.TrimSpace(markerID)
	t.missCount = 0
}

// Clear stops following
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markerID = ""
	t.missCount = 0
}

// State returns the current state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{MarkerID: t.markerID, MissCount: t.missCount, Following: t.markerID != ""}
}

// Resolve looks for the followed vehicle in this cycle's snapshots. A match resets the
// miss count; a miss increments it and the vehicle is released on the third consecutive miss.
func (t *Tracker) Resolve(snaps []feed.VehicleSnapshot, filter Filter) (feed.VehicleSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.markerID == "" {
		return feed.VehicleSnapshot{}, false
	}

	for _, v := range snaps {
		if !strings.EqualFold(v.MarkerID(), t.markerID) {
			continue
		}
		if !t.passes(v, filter) {
			continue
		}
		t.missCount = 0
		return v, true
	}

	t.missCount++
	if t.missCount >= MissThreshold {
		t.markerID = ""
		t.missCount = 0
	}
	return feed.VehicleSnapshot{}, false
}

// passes re-resolves the vehicle's route every cycle since its trip may have changed
func (t *Tracker) passes(v feed.VehicleSnapshot, filter Filter) bool {
	if filter.RouteID == "" && filter.DirectionID < 0 {
		return true
	}

	routeID, directionID := v.RouteID, v.DirectionID
	if t.resolver != nil {
		routeID, directionID = t.resolver.ResolveRoute(v)
	}
	if filter.RouteID != "" && !strings.EqualFold(routeID, filter.RouteID) && !idnorm.RoutesMatch(routeID, filter.RouteID) {
		return false
	}
	if filter.DirectionID >= 0 && directionID != filter.DirectionID {
		return false
	}
	return true
}
