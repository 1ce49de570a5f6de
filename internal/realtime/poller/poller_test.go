package poller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/transitsync/internal/arrivals"
	"github.com/mini-rodalies-3d/transitsync/internal/db"
	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
	"github.com/mini-rodalies-3d/transitsync/internal/progress"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
	"github.com/mini-rodalies-3d/transitsync/internal/tracker"
	"github.com/mini-rodalies-3d/transitsync/internal/triplookup"
)

const (
	tripUpdatesURL = "http://feeds.test/trip_updates.pb"
	vehiclesURL    = "http://feeds.test/vehicle_positions.pb"
)

// Tuesday 2024-03-12 08:00 UTC
var fixtureNow = time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	snaps map[string]*feed.Snapshot
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*feed.Snapshot, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.snaps[url], nil
}

type recordingPublisher struct{ batches [][]progress.Marker }

func (r *recordingPublisher) PublishMarkers(m []progress.Marker) int {
	r.batches = append(r.batches, m)
	return 0
}

type recordingHub struct{ cycles []*Cycle }

func (r *recordingHub) Broadcast(c *Cycle) { r.cycles = append(r.cycles, c) }

type fixture struct {
	poller     *Poller
	fetcher    *fakeFetcher
	reconciler *arrivals.Reconciler
	store      *db.DB
	publisher  *recordingPublisher
	hub        *recordingHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	data := &gtfs.Data{
		Routes: []gtfs.Route{{RouteID: "R4", RouteShortName: "R4", RouteType: gtfs.RouteTypeRail}},
		Stops: []gtfs.Stop{
			{StopID: "A", StopLat: 41.30, StopLon: 2.05},
			{StopID: "B", StopLat: 41.32, StopLon: 2.07},
			{StopID: "C", StopLat: 41.34, StopLon: 2.09},
		},
		Trips: []gtfs.Trip{{TripID: "T1", RouteID: "R4", ServiceID: "WD", DirectionID: 0, TripHeadsign: "Terrassa"}},
		StopTimes: []gtfs.StopTime{
			{TripID: "T1", StopID: "A", ArrivalTime: "08:00:00", StopSequence: 1},
			{TripID: "T1", StopID: "B", ArrivalTime: "08:10:00", StopSequence: 2},
			{TripID: "T1", StopID: "C", ArrivalTime: "08:20:00", StopSequence: 3},
		},
		Calendars: []gtfs.Calendar{{
			ServiceID: "WD",
			Weekdays:  [7]bool{false, true, true, true, true, true, false},
			StartDate: "20240101",
			EndDate:   "20241231",
		}},
	}
	schedule := gtfs.NewSchedule(data, time.UTC)
	trips := triplookup.NewIndex(schedule)
	now := func() time.Time { return fixtureNow }

	reconciler := arrivals.NewReconciler(schedule, trips, arrivals.Options{Now: now})
	projector := progress.NewProjector(schedule, trips)

	store, err := db.Connect(filepath.Join(t.TempDir(), "transit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))

	fetcher := &fakeFetcher{
		snaps: map[string]*feed.Snapshot{
			tripUpdatesURL: {
				FeedEpoch: fixtureNow.Unix(),
				Arrivals: []feed.ArrivalRecord{
					{TripID: "T1", TripKey: "t1", RouteID: "R4", StopID: "B", ArrivalEpoch: fixtureNow.Add(12 * time.Minute).Unix()},
				},
				Stats: feed.DecodeStats{TripUpdates: 1, UnresolvedStops: 2},
			},
			vehiclesURL: {
				FeedEpoch: fixtureNow.Unix() - 5,
				Vehicles: []feed.VehicleSnapshot{
					{VehicleID: "V1", TripID: "T1", DirectionID: -1, Lat: 41.32, Lon: 2.07, Timestamp: fixtureNow.Unix() - 10},
					{VehicleID: "GHOST", DirectionID: -1, Lat: 40.0, Lon: 1.0},
				},
			},
		},
		errs: map[string]error{},
	}

	publisher := &recordingPublisher{}
	hub := &recordingHub{}
	p := New(Deps{
		Fetcher:    fetcher,
		Reconciler: reconciler,
		Projector:  projector,
		Routes:     schedule,
		Tracker:    tracker.New(projector),
		Store:      store,
		Publisher:  publisher,
		Hub:        hub,
		Health:     metrics.NewBaselineLearner(store),
		Metrics:    metrics.NewCollector(30 * time.Second),
		Now:        now,
	}, Options{
		TripUpdatesURL:      tripUpdatesURL,
		VehiclePositionsURL: vehiclesURL,
		Retention:           time.Hour,
	})

	return &fixture{poller: p, fetcher: fetcher, reconciler: reconciler, store: store, publisher: publisher, hub: hub}
}

func rowCount(t *testing.T, d *db.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, d.Conn().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestPoll(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.poller.Latest())

	f.poller.Follow("v1", tracker.Filter{RouteID: "R4", DirectionID: 0})
	cycle, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Same(t, cycle, f.poller.Latest())
	assert.Equal(t, fixtureNow.Unix(), cycle.FeedEpoch)

	// the vehicle without a route is dropped
	require.Len(t, cycle.Markers, 1)
	markers := cycle.Markers["R4"]
	require.Len(t, markers, 1)
	assert.Equal(t, "V1", markers[0].ID)
	assert.Equal(t, 0, markers[0].DirectionID)
	assert.Equal(t, "Terrassa", markers[0].Headsign)
	assert.InDelta(t, 0.5, markers[0].Progress, 1e-6)

	require.NotNil(t, cycle.Followed)
	assert.Equal(t, "V1", cycle.Followed.ID)
	assert.Equal(t, tracker.State{MarkerID: "v1", Following: true}, cycle.Tracking)

	lines := f.reconciler.ComputeArrivalsForStop("B", arrivals.ModeOnline, cycle.FeedEpoch)
	require.Len(t, lines, 1)
	assert.True(t, strings.Contains(lines[0], "(+2 min)"), lines[0])

	require.Len(t, f.publisher.batches, 1)
	assert.Len(t, f.publisher.batches[0], 1)
	require.Len(t, f.hub.cycles, 1)
	assert.Same(t, cycle, f.hub.cycles[0])

	require.Len(t, cycle.Health, 2)
	assert.Equal(t, "R4", cycle.Health[0].RouteID)
	assert.Equal(t, metrics.OverallRoute, cycle.Health[1].RouteID)

	assert.Equal(t, 1, rowCount(t, f.store, "rt_snapshots"))
	assert.Equal(t, 1, rowCount(t, f.store, "rt_arrival_signals"))
	assert.Equal(t, 1, rowCount(t, f.store, "rt_vehicle_current"))

	stats, err := f.store.DelayStats(context.Background(), "R4", fixtureNow)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.InDelta(t, 120.0, stats[0].MeanDelaySeconds, 1e-9)
}

func TestPoll_VehicleFeedDownKeepsLastMarkers(t *testing.T) {
	f := newFixture(t)
	first, err := f.poller.Poll(context.Background())
	require.NoError(t, err)

	f.fetcher.errs[vehiclesURL] = errors.New("timeout")
	second, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.Markers, second.Markers)
}

func TestPoll_TripUpdatesDownKeepsPredictions(t *testing.T) {
	f := newFixture(t)
	_, err := f.poller.Poll(context.Background())
	require.NoError(t, err)

	f.fetcher.errs[tripUpdatesURL] = errors.New("503")
	cycle, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.reconciler.IndexedRecords())

	lines := f.reconciler.ComputeArrivalsForStop("B", arrivals.ModeOnline, cycle.FeedEpoch)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "(+2 min)")
}

func TestPoll_AllFeedsDown(t *testing.T) {
	f := newFixture(t)
	first, err := f.poller.Poll(context.Background())
	require.NoError(t, err)

	f.fetcher.errs[tripUpdatesURL] = errors.New("503")
	f.fetcher.errs[vehiclesURL] = errors.New("503")
	_, err = f.poller.Poll(context.Background())
	assert.ErrorIs(t, err, ErrNoFeeds)
	assert.Same(t, first, f.poller.Latest(), "a failed cycle publishes nothing")
}

func TestPoll_UnfollowAndRouteFilter(t *testing.T) {
	f := newFixture(t)

	f.poller.Follow("V1", tracker.Filter{RouteID: "R2", DirectionID: -1})
	cycle, err := f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cycle.Followed)
	assert.Equal(t, 1, cycle.Tracking.MissCount)

	f.poller.Unfollow()
	cycle, err = f.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, cycle.Tracking.Following)
}

func TestCycle_AllMarkers(t *testing.T) {
	c := &Cycle{Markers: map[string][]progress.Marker{
		"R2": {{ID: "b"}},
		"R1": {{ID: "a1"}, {ID: "a2"}},
	}}
	ids := []string{}
	for _, m := range c.AllMarkers() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "b"}, ids)
}
