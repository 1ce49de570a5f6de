// Package triplookup resolves realtime trip references to static trips. Resolution is
// conservative: an ambiguous reference resolves to nothing.
package triplookup

import (
	"strings"
	"sync"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
)

// TripSource supplies the static trip collection
type TripSource interface {
	Trips() []gtfs.Trip
}

// Index maps exact and normalized trip ids to static trips
type Index struct {
	source TripSource

	mu      sync.Mutex
	builtOn *gtfs.Trip // first element of the slice the maps were built from
	builtN  int
	byID    map[string][]*gtfs.Trip
	byKey   map[string][]*gtfs.Trip
}

// NewIndex creates an index over source. Maps are built on first use.
func NewIndex(source TripSource) *Index {
	return &Index{source: source}
}

// ensure rebuilds the maps when the backing collection has been replaced
func (idx *Index) ensure() {
	trips := idx.source.Trips()
	var head *gtfs.Trip
	if len(trips) > 0 {
		head = &trips[0]
	}
	if idx.byID != nil && head == idx.builtOn && len(trips) == idx.builtN {
		return
	}

	byID := make(map[string][]*gtfs.Trip, len(trips))
	byKey := make(map[string][]*gtfs.Trip, len(trips))
	for i := range trips {
		t := &trips[i]
		byID[t.TripID] = append(byID[t.TripID], t)
		for _, key := range idnorm.TripIndexKeys(t.TripID) {
			byKey[key] = appendUnique(byKey[key], t)
		}
	}
	idx.byID, idx.byKey = byID, byKey
	idx.builtOn, idx.builtN = head, len(trips)
}

// FindTrip resolves rawID to a single static trip. routeID may be empty and
// directionID may be -1 when unknown. Returns nil when nothing or more than one trip matches.
func (idx *Index) FindTrip(rawID, routeID string, directionID int) *gtfs.Trip {
	if strings.TrimSpace(rawID) == "" {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensure()

	candidates := idx.byID[rawID]
	if len(candidates) == 0 {
		for _, v := range idnorm.TripIDVariants(rawID) {
			for _, t := range idx.byKey[idnorm.NormalizeTripKey(v)] {
				candidates = appendUnique(candidates, t)
			}
		}
	}

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}

	if routeID != "" {
		var onRoute []*gtfs.Trip
		for _, t := range candidates {
			if strings.EqualFold(t.RouteID, routeID) || idnorm.RoutesMatch(t.RouteID, routeID) {
				onRoute = append(onRoute, t)
			}
		}
		switch len(onRoute) {
		case 0:
			return nil
		case 1:
			return onRoute[0]
		}
		return narrowByDirection(onRoute, directionID)
	}

	return narrowByDirection(candidates, directionID)
}

// MatchByTripID resolves a trip id without hints
func (idx *Index) MatchByTripID(tripID string) (gtfs.Trip, bool) {
	return deref(idx.FindTrip(tripID, "", -1))
}

// MatchByTripIDAndRoute resolves a trip id narrowed by route and direction hints
func (idx *Index) MatchByTripIDAndRoute(tripID, routeID string, directionID int) (gtfs.Trip, bool) {
	return deref(idx.FindTrip(tripID, routeID, directionID))
}

func narrowByDirection(trips []*gtfs.Trip, directionID int) *gtfs.Trip {
	if directionID < 0 {
		return nil
	}
	var match *gtfs.Trip
	for _, t := range trips {
		if t.DirectionID != directionID {
			continue
		}
		if match != nil {
			return nil
		}
		match = t
	}
	return match
}

func appendUnique(trips []*gtfs.Trip, t *gtfs.Trip) []*gtfs.Trip {
	for _, existing := range trips {
		if existing == t {
			return trips
		}
	}
	return append(trips, t)
}

func deref(t *gtfs.Trip) (gtfs.Trip, bool) {
	if t == nil {
		return gtfs.Trip{}, false
	}
	return *t, true
}
