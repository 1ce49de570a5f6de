package progress

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
)

type fakeRoutes struct{}

func (fakeRoutes) Route(routeID string) (gtfs.Route, bool) {
	if routeID != "R4" {
		return gtfs.Route{}, false
	}
	return gtfs.Route{RouteID: "R4", RouteShortName: "R4", RouteType: gtfs.RouteTypeRail}, true
}

func (fakeRoutes) Headsign(routeID string, directionID int) string {
	if directionID == 1 {
		return "Manresa"
	}
	return "Sant Vicenç"
}

type fakeTrips map[string]gtfs.Trip

func (f fakeTrips) MatchByTripIDAndRoute(tripID, routeID string, directionID int) (gtfs.Trip, bool) {
	t, ok := f[tripID]
	return t, ok
}

// five equally spaced stops heading north-east
func lineStops() []gtfs.Stop {
	stops := make([]gtfs.Stop, 5)
	for i := range stops {
		stops[i] = gtfs.Stop{StopID: string(rune('A' + i)), StopLat: 41.30 + 0.02*float64(i), StopLon: 2.05 + 0.02*float64(i)}
	}
	return stops
}

func TestPolyline_ProgressAtStops(t *testing.T) {
	stops := lineStops()
	points := make([]Point, len(stops))
	for i, s := range stops {
		points[i] = Point{Lat: s.StopLat, Lon: s.StopLon}
	}
	line, err := NewPolyline(points)
	require.NoError(t, err)

	n := len(points)
	for i, p := range points {
		assert.InDelta(t, float64(i)/float64(n-1), line.Project(p.Lat, p.Lon), 1e-9, "stop %d", i)
	}
}

func TestPolyline_Bounded(t *testing.T) {
	line, err := NewPolyline([]Point{{41.0, 2.0}, {41.1, 2.0}, {41.1, 2.1}})
	require.NoError(t, err)

	for lat := 40.0; lat <= 42.0; lat += 0.137 {
		for lon := 1.0; lon <= 3.0; lon += 0.173 {
			p := line.Project(lat, lon)
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
		}
	}
	assert.Equal(t, 0.0, line.Project(40.0, 2.0))
	assert.Equal(t, 1.0, line.Project(41.1, 5.0))
	assert.Equal(t, 0.0, line.Project(math.NaN(), 2.0))
}

func TestPolyline_OffLinePointUsesNearestSegment(t *testing.T) {
	// L-shaped route: north then east, equal legs after scaling
	line, err := NewPolyline([]Point{{0, 0}, {1, 0}, {1, 1}})
	require.NoError(t, err)

	assert.InDelta(t, 0.25, line.Project(0.5, -0.1), 1e-3)
	assert.InDelta(t, 0.75, line.Project(1.1, 0.5), 1e-3)
}

func TestNewPolyline_TooShort(t *testing.T) {
	_, err := NewPolyline([]Point{{41, 2}})
	assert.Error(t, err)
}

func TestPolyline_LongitudeScaleClamped(t *testing.T) {
	line, err := NewPolyline([]Point{{89.9, 0}, {89.9, 10}})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, line.Length(), 1e-9)
}

func TestBuildForRoute(t *testing.T) {
	stops := lineStops()
	trips := fakeTrips{
		"T-dir1":  {TripID: "T-dir1", RouteID: "R4", DirectionID: 1},
		"T-other": {TripID: "T-other", RouteID: "R2", DirectionID: 0},
	}
	p := NewProjector(fakeRoutes{}, trips)

	snaps := []feed.VehicleSnapshot{
		{VehicleID: "V3", RouteID: "R4", DirectionID: 0, Lat: stops[3].StopLat, Lon: stops[3].StopLon, Timestamp: 10},
		{VehicleID: "V1", RouteID: "route:r4", DirectionID: 0, Lat: stops[1].StopLat, Lon: stops[1].StopLon, Timestamp: 10},
		// duplicate identity, older report is dropped
		{VehicleID: "V1", RouteID: "R4", DirectionID: 0, Lat: stops[4].StopLat, Lon: stops[4].StopLon, Timestamp: 5},
		// route and direction resolved through the trip
		{TripID: "T-dir1", DirectionID: -1, Lat: stops[2].StopLat, Lon: stops[2].StopLon},
		{TripID: "T-other", DirectionID: -1, Lat: stops[2].StopLat, Lon: stops[2].StopLon},
		{RouteID: "R4", DirectionID: 0, Lat: stops[0].StopLat, Lon: stops[0].StopLon},
	}

	all := p.BuildForRoute(snaps, "R4", stops, -1)
	require.Len(t, all, 4)

	ids := make(map[string]bool)
	for i, m := range all {
		assert.False(t, ids[m.ID], "duplicate marker %s", m.ID)
		ids[m.ID] = true
		if i > 0 {
			assert.LessOrEqual(t, all[i-1].Progress, m.Progress)
		}
		assert.Equal(t, "train", m.VehicleType)
	}

	assert.InDelta(t, 0.0, all[0].Progress, 1e-9)
	assert.Len(t, all[0].ID, 36) // synthetic identity
	assert.Equal(t, "V1", all[1].ID)
	assert.InDelta(t, 0.25, all[1].Progress, 1e-9)
	assert.Equal(t, "T-dir1", all[2].ID)
	assert.Equal(t, 1, all[2].DirectionID)
	assert.Equal(t, "Manresa", all[2].Headsign)
	assert.Equal(t, "V3", all[3].ID)

	dir0 := p.BuildForRoute(snaps, "R4", stops, 0)
	require.Len(t, dir0, 3)
	for _, m := range dir0 {
		assert.Equal(t, 0, m.DirectionID)
	}

	assert.Empty(t, p.BuildForRoute(snaps, "R4", stops[:1], -1))
}

func TestResolveRoute_LabelFallback(t *testing.T) {
	p := NewProjector(fakeRoutes{}, fakeTrips{})

	tests := []struct {
		name      string
		snap      feed.VehicleSnapshot
		wantRoute string
	}{
		{"explicit route wins", feed.VehicleSnapshot{RouteID: "R2", Label: "R4-1"}, "R2"},
		{"label line code", feed.VehicleSnapshot{Label: "R4-77626-PLATF.(1)"}, "R4"},
		{"unknown line code", feed.VehicleSnapshot{Label: "R9-1"}, ""},
		{"no label", feed.VehicleSnapshot{VehicleID: "V1"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, _ := p.ResolveRoute(tt.snap)
			assert.Equal(t, tt.wantRoute, route)
		})
	}
}

func TestMarkerIdentity_Stable(t *testing.T) {
	v := feed.VehicleSnapshot{Lat: 41.1, Lon: 2.2}
	assert.Equal(t, markerIdentity(v), markerIdentity(v))
	assert.NotEqual(t, markerIdentity(v), markerIdentity(feed.VehicleSnapshot{Lat: 41.2, Lon: 2.2}))
	assert.Equal(t, "E1", markerIdentity(feed.VehicleSnapshot{EntityID: "E1"}))
}
