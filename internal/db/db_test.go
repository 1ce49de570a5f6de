package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Connect(filepath.Join(t.TempDir(), "transit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.EnsureSchema(context.Background()))
	return d
}

func count(t *testing.T, d *DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, d.Conn().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func strPtr(s string) *string { return &s }

func TestEnsureSchema_Idempotent(t *testing.T) {
	d := openTestDB(t)
	assert.NoError(t, d.EnsureSchema(context.Background()))
}

func TestPersistCycle(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	polledAt := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

	id, err := d.CreateSnapshot(ctx, polledAt, 1710230400, 2, 1)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	records := []feed.ArrivalRecord{
		{TripID: "T1", TripKey: "t1", RouteID: "R1", StopID: "71801", ArrivalEpoch: 1710231000},
		{RouteID: "R2", StopID: "71801", ArrivalEpoch: 1710231100},
		// duplicate is ignored
		{TripID: "T1", TripKey: "t1", RouteID: "R1", StopID: "71801", ArrivalEpoch: 1710231000},
	}
	require.NoError(t, d.InsertArrivalSignals(ctx, id, polledAt, records))
	assert.Equal(t, 2, count(t, d, "rt_arrival_signals"))

	progress := 0.4
	ts := polledAt.Add(-20 * time.Second)
	positions := []VehiclePosition{{
		VehicleKey: "V1", TripID: strPtr("T1"), RouteID: strPtr("R1"), DirectionID: 0,
		Latitude: 41.38, Longitude: 2.17, Progress: &progress, VehicleTimestamp: &ts,
	}}
	require.NoError(t, d.UpsertVehiclePositions(ctx, id, polledAt, positions))

	// next cycle moves the vehicle
	id2, err := d.CreateSnapshot(ctx, polledAt.Add(30*time.Second), 1710230430, 0, 1)
	require.NoError(t, err)
	positions[0].Latitude = 41.39
	require.NoError(t, d.UpsertVehiclePositions(ctx, id2, polledAt.Add(30*time.Second), positions))

	assert.Equal(t, 1, count(t, d, "rt_vehicle_current"))
	assert.Equal(t, 2, count(t, d, "rt_vehicle_history"))

	vehicles, err := d.CurrentVehicles(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, vehicles, 1)
	assert.Equal(t, 41.39, vehicles[0].Latitude)
	require.NotNil(t, vehicles[0].Progress)
	assert.Equal(t, 0.4, *vehicles[0].Progress)
	require.NotNil(t, vehicles[0].VehicleTimestamp)
	assert.True(t, ts.Equal(*vehicles[0].VehicleTimestamp))

	none, err := d.CurrentVehicles(ctx, "R9")
	require.NoError(t, err)
	assert.Empty(t, none)
	all, err := d.CurrentVehicles(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

	old := now.Add(-3 * time.Hour)
	oldID, err := d.CreateSnapshot(ctx, old, 0, 1, 1)
	require.NoError(t, err)
	require.NoError(t, d.InsertArrivalSignals(ctx, oldID, old, []feed.ArrivalRecord{{TripID: "T0", StopID: "S", ArrivalEpoch: 1}}))
	require.NoError(t, d.UpsertVehiclePositions(ctx, oldID, old, []VehiclePosition{{VehicleKey: "OLD"}}))

	recent := now.Add(-10 * time.Minute)
	newID, err := d.CreateSnapshot(ctx, recent, 0, 0, 1)
	require.NoError(t, err)
	require.NoError(t, d.UpsertVehiclePositions(ctx, newID, recent, []VehiclePosition{{VehicleKey: "NEW"}}))

	deleted, err := d.Cleanup(ctx, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)
	assert.Equal(t, 1, count(t, d, "rt_snapshots"))
	assert.Equal(t, 0, count(t, d, "rt_arrival_signals"))

	vehicles, err := d.CurrentVehicles(ctx, "")
	require.NoError(t, err)
	require.Len(t, vehicles, 1)
	assert.Equal(t, "NEW", vehicles[0].VehicleKey)
}

func TestUpdateDelayStats(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	at := time.Date(2024, 3, 12, 8, 25, 0, 0, time.UTC)

	require.NoError(t, d.UpdateDelayStats(ctx, at, []DelayObservation{
		{RouteID: "R1", DelaySeconds: 60},
		{RouteID: "R1", DelaySeconds: 600},
		{RouteID: "", DelaySeconds: 30},
	}))
	// same hour, folded into the same bucket
	require.NoError(t, d.UpdateDelayStats(ctx, at.Add(20*time.Minute), []DelayObservation{
		{RouteID: "R1", DelaySeconds: -120},
	}))
	require.NoError(t, d.UpdateDelayStats(ctx, at.Add(time.Hour), []DelayObservation{
		{RouteID: "R1", DelaySeconds: 0},
	}))
	require.NoError(t, d.UpdateDelayStats(ctx, at, nil))

	stats, err := d.DelayStats(ctx, "R1", at.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	first := stats[0]
	assert.Equal(t, "2024-03-12T08:00:00Z", first.HourBucket)
	assert.Equal(t, 3, first.Observations)
	assert.InDelta(t, 180.0, first.MeanDelaySeconds, 1e-9)
	assert.Equal(t, 1, first.DelayedCount)
	assert.Equal(t, 2, first.OnTimeCount)
	assert.Equal(t, 600, first.MaxDelaySeconds)

	w := &metrics.WelfordState{}
	for _, v := range []float64{60, 600, -120} {
		w.Update(v)
	}
	assert.InDelta(t, w.StdDev(), first.StdDevSeconds, 1e-6)

	assert.Equal(t, "2024-03-12T09:00:00Z", stats[1].HourBucket)

	later, err := d.DelayStats(ctx, "R1", at.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, later, 1)
}

func TestBaselineStore(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	b, err := d.GetBaseline(ctx, "R1", 8, 2)
	require.NoError(t, err)
	assert.Nil(t, b)

	learner := metrics.NewBaselineLearner(d)
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	learner.Observe(ctx, map[string]int{"R1": 4, "R2": 0}, now)
	learner.Observe(ctx, map[string]int{"R1": 6, "R2": 0}, now)

	b, err = d.GetBaseline(ctx, "R1", 8, int(time.Tuesday))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 2, b.SampleCount)
	assert.InDelta(t, 5.0, b.VehicleCountMean, 1e-9)
	assert.InDelta(t, 1.0, b.VehicleCountStdDev, 1e-9)

	latest, err := d.LatestHealth(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "R1", latest[0].RouteID)
	assert.Equal(t, 6, latest[0].VehicleCount)
	assert.Equal(t, "unhealthy", latest[1].Status)
	assert.Equal(t, metrics.OverallRoute, latest[2].RouteID)

	require.NoError(t, d.CleanupHealthHistory(ctx))
	assert.Equal(t, 6, count(t, d, "metrics_health_history"))
}
