package gtfs

import (
	"log"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
)

// Schedule is a read-only, in-memory view over parsed GTFS data.
// It is built once per static refresh and safe for concurrent readers.
type Schedule struct {
	data *Data
	loc  *time.Location

	stopsByID       map[string]*Stop
	stopIDsByKey    map[string][]string // normalized stop key -> raw stop ids
	routesByID      map[string]*Route
	stopTimesByStop map[string][]StopTime
	stopTimesByTrip map[string][]StopTime // sorted by stop sequence
	calendars       map[string]Calendar
	calendarAdded   map[string]map[string]bool // service -> date
	calendarRemoved map[string]map[string]bool
	tripsByRouteDir map[routeDirKey][]*Trip
}

type routeDirKey struct {
	routeID     string
	directionID int
}

// NewSchedule indexes parsed GTFS data. fallbackTZ is used when agency.txt has no timezone.
func NewSchedule(data *Data, fallbackTZ *time.Location) *Schedule {
	s := &Schedule{
		data:            data,
		loc:             fallbackTZ,
		stopsByID:       make(map[string]*Stop, len(data.Stops)),
		stopIDsByKey:    make(map[string][]string, len(data.Stops)),
		routesByID:      make(map[string]*Route, len(data.Routes)),
		stopTimesByStop: make(map[string][]StopTime),
		stopTimesByTrip: make(map[string][]StopTime),
		calendars:       make(map[string]Calendar, len(data.Calendars)),
		calendarAdded:   make(map[string]map[string]bool),
		calendarRemoved: make(map[string]map[string]bool),
		tripsByRouteDir: make(map[routeDirKey][]*Trip),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}

	for _, a := range data.Agency {
		if a.AgencyTimezone == "" {
			continue
		}
		loc, err := time.LoadLocation(a.AgencyTimezone)
		if err != nil {
			log.Printf("Warning: unknown agency timezone %q: %v", a.AgencyTimezone, err)
			continue
		}
		s.loc = loc
		break
	}

	for i := range data.Stops {
		stop := &data.Stops[i]
		s.stopsByID[stop.StopID] = stop
		if key := idnorm.NormalizeStopKey(stop.StopID); key != "" {
			s.stopIDsByKey[key] = append(s.stopIDsByKey[key], stop.StopID)
		}
	}
	for i := range data.Routes {
		s.routesByID[data.Routes[i].RouteID] = &data.Routes[i]
	}
	for _, st := range data.StopTimes {
		s.stopTimesByStop[st.StopID] = append(s.stopTimesByStop[st.StopID], st)
		s.stopTimesByTrip[st.TripID] = append(s.stopTimesByTrip[st.TripID], st)
		// stop_times may reference stops missing from stops.txt
		if _, ok := s.stopsByID[st.StopID]; !ok {
			if key := idnorm.NormalizeStopKey(st.StopID); key != "" && !slices.Contains(s.stopIDsByKey[key], st.StopID) {
				s.stopIDsByKey[key] = append(s.stopIDsByKey[key], st.StopID)
			}
		}
	}
	for tripID := range s.stopTimesByTrip {
		times := s.stopTimesByTrip[tripID]
		sort.Slice(times, func(i, j int) bool { return times[i].StopSequence < times[j].StopSequence })
	}
	for i := range data.Trips {
		t := &data.Trips[i]
		key := routeDirKey{routeID: t.RouteID, directionID: t.DirectionID}
		s.tripsByRouteDir[key] = append(s.tripsByRouteDir[key], t)
	}
	for _, c := range data.Calendars {
		s.calendars[c.ServiceID] = c
	}
	for _, cd := range data.CalendarDates {
		target := s.calendarAdded
		if cd.ExceptionType == 2 {
			target = s.calendarRemoved
		} else if cd.ExceptionType != 1 {
			continue
		}
		if target[cd.ServiceID] == nil {
			target[cd.ServiceID] = make(map[string]bool)
		}
		target[cd.ServiceID][cd.Date] = true
	}

	return s
}

// Location returns the agency timezone used to interpret wall-clock times
func (s *Schedule) Location() *time.Location {
	return s.loc
}

// Trips returns the backing trip collection. Callers must not modify it.
func (s *Schedule) Trips() []Trip {
	return s.data.Trips
}

// StopTimesForStop returns every scheduled visit at stopID. Raw ids that differ only by
// prefix or platform suffix resolve through the normalized stop key.
func (s *Schedule) StopTimesForStop(stopID string) []StopTime {
	if visits, ok := s.stopTimesByStop[stopID]; ok {
		return visits
	}
	var visits []StopTime
	for _, rawID := range s.stopIDsByKey[idnorm.NormalizeStopKey(stopID)] {
		visits = append(visits, s.stopTimesByStop[rawID]...)
	}
	return visits
}

// StopTimesForTrip returns the visits of a trip ordered by stop sequence
func (s *Schedule) StopTimesForTrip(tripID string) []StopTime {
	return s.stopTimesByTrip[tripID]
}

// IsKnownStopID reports whether stopID appears in stops.txt or stop_times.txt
func (s *Schedule) IsKnownStopID(stopID string) bool {
	if _, ok := s.stopsByID[stopID]; ok {
		return true
	}
	_, ok := s.stopTimesByStop[stopID]
	return ok
}

// StopIDByTripAndSequence resolves the stop a trip visits at the given stop sequence
func (s *Schedule) StopIDByTripAndSequence(tripID string, seq int) (string, bool) {
	times := s.stopTimesByTrip[tripID]
	i := sort.Search(len(times), func(i int) bool { return times[i].StopSequence >= seq })
	if i < len(times) && times[i].StopSequence == seq {
		return times[i].StopID, true
	}
	return "", false
}

// ServiceRunsOnDate applies calendar_dates exceptions over the weekly calendar
func (s *Schedule) ServiceRunsOnDate(serviceID string, date time.Time) bool {
	day := date.Format(DateLayout)
	if s.calendarRemoved[serviceID][day] {
		return false
	}
	if s.calendarAdded[serviceID][day] {
		return true
	}
	cal, ok := s.calendars[serviceID]
	if !ok {
		return false
	}
	// YYYYMMDD strings compare in date order
	if day < cal.StartDate || (cal.EndDate != "" && day > cal.EndDate) {
		return false
	}
	return cal.Weekdays[date.Weekday()]
}

// Stop looks up a stop by id, falling back to its normalized key
func (s *Schedule) Stop(stopID string) (Stop, bool) {
	if stop, ok := s.stopsByID[stopID]; ok {
		return *stop, true
	}
	for _, rawID := range s.stopIDsByKey[idnorm.NormalizeStopKey(stopID)] {
		if stop, ok := s.stopsByID[rawID]; ok {
			return *stop, true
		}
	}
	return Stop{}, false
}

// Route looks up a route by id, tolerating case and "route:" prefix differences.
// An id matching no route falls back to a unique route_short_name.
func (s *Schedule) Route(routeID string) (Route, bool) {
	if r, ok := s.routesByID[routeID]; ok {
		return *r, true
	}
	for _, v := range idnorm.RouteIDVariants(routeID) {
		if r, ok := s.routesByID[v]; ok {
			return *r, true
		}
	}
	for id, r := range s.routesByID {
		if strings.EqualFold(id, routeID) {
			return *r, true
		}
	}

	var found *Route
	for _, r := range s.routesByID {
		if r.RouteShortName == "" || !strings.EqualFold(r.RouteShortName, strings.TrimSpace(routeID)) {
			continue
		}
		if found != nil {
			return Route{}, false
		}
		found = r
	}
	if found == nil {
		return Route{}, false
	}
	return *found, true
}

// RouteStops returns the ordered stops of the longest trip serving routeID in the
// given direction (-1 for any direction).
func (s *Schedule) RouteStops(routeID string, directionID int) []Stop {
	var best []StopTime
	var bestTripID string
	for key, trips := range s.tripsByRouteDir {
		if key.routeID != routeID || (directionID >= 0 && key.directionID != directionID) {
			continue
		}
		for _, t := range trips {
			times := s.stopTimesByTrip[t.TripID]
			if len(times) > len(best) || (len(times) == len(best) && t.TripID < bestTripID) {
				best = times
				bestTripID = t.TripID
			}
		}
	}

	stops := make([]Stop, 0, len(best))
	for _, st := range best {
		if stop, ok := s.stopsByID[st.StopID]; ok {
			stops = append(stops, *stop)
		}
	}
	return stops
}

// Headsign returns the most common trip headsign for a route and direction
func (s *Schedule) Headsign(routeID string, directionID int) string {
	counts := make(map[string]int)
	for key, trips := range s.tripsByRouteDir {
		if key.routeID != routeID || (directionID >= 0 && key.directionID != directionID) {
			continue
		}
		for _, t := range trips {
			if t.TripHeadsign != "" {
				counts[t.TripHeadsign]++
			}
		}
	}

	best, bestCount := "", 0
	for h, n := range counts {
		if n > bestCount || (n == bestCount && h < best) {
			best, bestCount = h, n
		}
	}
	return best
}
