package feed

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

type fakeStops struct {
	known    map[string]bool
	sequence map[string]map[int]string
}

func (f fakeStops) IsKnownStopID(stopID string) bool { return f.known[stopID] }

func (f fakeStops) StopIDByTripAndSequence(tripID string, seq int) (string, bool) {
	id, ok := f.sequence[tripID][seq]
	return id, ok
}

func stopTimeUpdate(stopID string, seq uint32, arrival, departure int64) *gtfs.TripUpdate_StopTimeUpdate {
	stu := &gtfs.TripUpdate_StopTimeUpdate{}
	if stopID != "" {
		stu.StopId = proto.String(stopID)
	}
	if seq > 0 {
		stu.StopSequence = proto.Uint32(seq)
	}
	if arrival != 0 {
		stu.Arrival = &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(arrival)}
	}
	if departure != 0 {
		stu.Departure = &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(departure)}
	}
	return stu
}

func tripUpdateFeed(tripID, routeID string, updates ...*gtfs.TripUpdate_StopTimeUpdate) *gtfs.FeedMessage {
	trip := &gtfs.TripDescriptor{}
	if tripID != "" {
		trip.TripId = proto.String(tripID)
	}
	if routeID != "" {
		trip.RouteId = proto.String(routeID)
	}
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1_700_000_000),
		},
		Entity: []*gtfs.FeedEntity{{
			Id:         proto.String("e1"),
			TripUpdate: &gtfs.TripUpdate{Trip: trip, StopTimeUpdate: updates},
		}},
	}
}

func TestDecodeTripUpdates(t *testing.T) {
	stops := fakeStops{
		known:    map[string]bool{"stop:100_1": true},
		sequence: map[string]map[int]string{"T9": {4: "200"}},
	}
	d := NewDecoder(stops)

	skipped := stopTimeUpdate("stop:100_1", 0, 1_700_000_100, 0)
	skipped.ScheduleRelationship = gtfs.TripUpdate_StopTimeUpdate_SKIPPED.Enum()
	noData := stopTimeUpdate("stop:100_1", 0, 1_700_000_100, 0)
	noData.ScheduleRelationship = gtfs.TripUpdate_StopTimeUpdate_NO_DATA.Enum()

	msg := tripUpdateFeed("trip:t9", "R4",
		// explicit known stop, arrival wins over departure
		stopTimeUpdate("stop:100_1", 0, 1_700_000_100, 1_700_000_160),
		// unknown stop resolved by sequence through the normalized trip key, ms departure
		stopTimeUpdate("unknown", 4, 0, 1_700_000_200_000),
		// epoch too small
		stopTimeUpdate("stop:100_1", 0, 999, 0),
		// no stop at all
		stopTimeUpdate("", 0, 1_700_000_300, 0),
		skipped,
		noData,
	)

	snap := d.Decode(msg)
	require.Len(t, snap.Arrivals, 2)
	assert.Equal(t, int64(1_700_000_000), snap.FeedEpoch)

	assert.Equal(t, ArrivalRecord{TripID: "trip:t9", TripKey: "T9", RouteID: "R4", StopID: "100", ArrivalEpoch: 1_700_000_100}, snap.Arrivals[0])
	assert.Equal(t, "200", snap.Arrivals[1].StopID)
	assert.Equal(t, int64(1_700_000_200), snap.Arrivals[1].ArrivalEpoch)

	assert.Equal(t, 2, snap.Stats.SkippedStopTimes)
	assert.Equal(t, 1, snap.Stats.InvalidEpochs)
	assert.Equal(t, 1, snap.Stats.UnresolvedStops)
}

func TestDecodeTripUpdates_UnknownExplicitStopIsKept(t *testing.T) {
	d := NewDecoder(fakeStops{})
	snap := d.Decode(tripUpdateFeed("T1", "", stopTimeUpdate("par:5555", 0, 1_700_000_100, 0)))
	require.Len(t, snap.Arrivals, 1)
	assert.Equal(t, "5555", snap.Arrivals[0].StopID)
}

func TestDecodeTripUpdates_SequenceFallbackKeepsTripCase(t *testing.T) {
	stops := fakeStops{sequence: map[string]map[int]string{"t9abc": {3: "71801"}}}
	d := NewDecoder(stops)

	tests := []struct {
		name   string
		tripID string
	}{
		{"raw id", "t9abc"},
		{"prefixed id", "trip:t9abc"},
		{"prefixed with spaces", " TRIP: t9abc "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := d.Decode(tripUpdateFeed(tt.tripID, "", stopTimeUpdate("", 3, 1_700_000_100, 0)))
			require.Len(t, snap.Arrivals, 1)
			assert.Equal(t, "71801", snap.Arrivals[0].StopID)
			assert.Equal(t, "T9ABC", snap.Arrivals[0].TripKey)
		})
	}
}

func TestDecodeTripUpdates_RouteOnly(t *testing.T) {
	d := NewDecoder(nil)
	snap := d.Decode(tripUpdateFeed("", "L1", stopTimeUpdate("42", 0, 1_700_000_100, 0)))
	require.Len(t, snap.Arrivals, 1)
	assert.Empty(t, snap.Arrivals[0].TripKey)
	assert.Equal(t, "L1", snap.Arrivals[0].RouteID)

	snap = d.Decode(tripUpdateFeed("", "", stopTimeUpdate("42", 0, 1_700_000_100, 0)))
	assert.Empty(t, snap.Arrivals)
}

func vehicleEntity(id string, lat, lon float32) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfs.VehiclePosition{
			Trip:     &gtfs.TripDescriptor{TripId: proto.String("T" + id), DirectionId: proto.Uint32(1)},
			Vehicle:  &gtfs.VehicleDescriptor{Id: proto.String("V" + id), Label: proto.String("R4-" + id)},
			Position: &gtfs.Position{Latitude: proto.Float32(lat), Longitude: proto.Float32(lon)},
		},
	}
}

func TestDecodeVehicles(t *testing.T) {
	noPosition := &gtfs.FeedEntity{
		Id:      proto.String("np"),
		Vehicle: &gtfs.VehiclePosition{Vehicle: &gtfs.VehicleDescriptor{Id: proto.String("Vnp")}},
	}
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			vehicleEntity("1", 41.3851, 2.1734),
			vehicleEntity("2", 41385100, 2173400),
			vehicleEntity("3", 0, 0),
			vehicleEntity("4", float32(math.NaN()), 2.1),
			vehicleEntity("5", 95_000_000_000, 2.1),
			noPosition,
		},
	}

	d := NewDecoder(nil)
	snap := d.Decode(msg)
	require.Len(t, snap.Vehicles, 2)

	assert.Equal(t, "V1", snap.Vehicles[0].VehicleID)
	assert.Equal(t, "T1", snap.Vehicles[0].TripID)
	assert.Equal(t, 1, snap.Vehicles[0].DirectionID)
	assert.InDelta(t, 41.3851, snap.Vehicles[0].Lat, 1e-4)

	assert.Equal(t, "V2", snap.Vehicles[1].MarkerID())
	assert.InDelta(t, 41.3851, snap.Vehicles[1].Lat, 1e-4)
	assert.InDelta(t, 2.1734, snap.Vehicles[1].Lon, 1e-4)

	assert.Equal(t, 1, snap.Stats.RepairedPosition)
	assert.Equal(t, 3, snap.Stats.InvalidCoordinate)
	assert.Equal(t, 1, snap.Stats.MissingPosition)
	assert.NotZero(t, snap.FeedEpoch)
}

func TestSanitizeCoordinate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		ok       bool
		repaired bool
	}{
		{"valid", 41.38, 2.17, true, false},
		{"fixed point", 41_380_000, 2_170_000, true, true},
		{"null island", 0, 0, false, false},
		{"still out of range", 1e12, 1, false, false},
		{"infinite", math.Inf(1), 1, false, false},
		{"boundary", 90, -180, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, repaired, ok := sanitizeCoordinate(tc.lat, tc.lon)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.repaired, repaired)
		})
	}
}

func TestClientFetch(t *testing.T) {
	body, err := proto.Marshal(tripUpdateFeed("T1", "R1", stopTimeUpdate("10", 0, 1_700_000_100, 0)))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	client := NewClient(NewDecoder(nil))
	snap, err := client.Fetch(context.Background(), srv.URL+"/tu.pb")
	require.NoError(t, err)
	require.Len(t, snap.Arrivals, 1)
	assert.Equal(t, "T1", snap.Arrivals[0].TripKey)

	_, err = client.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	a := &Snapshot{FeedEpoch: 10, Arrivals: []ArrivalRecord{{TripKey: "A"}}, Stats: DecodeStats{TripUpdates: 1}}
	b := &Snapshot{FeedEpoch: 20, Vehicles: []VehicleSnapshot{{VehicleID: "V"}}, Stats: DecodeStats{VehicleEntities: 1}}

	m := Merge(a, nil, b)
	assert.Equal(t, int64(20), m.FeedEpoch)
	assert.Len(t, m.Arrivals, 1)
	assert.Len(t, m.Vehicles, 1)
	assert.Equal(t, 1, m.Stats.TripUpdates)
	assert.Equal(t, 1, m.Stats.VehicleEntities)
}
