package feed

// ArrivalRecord is one realtime arrival prediction for a trip at a stop
type ArrivalRecord struct {
	TripID       string // raw trip id as published, may be empty when RouteID is set
	TripKey      string // normalized trip key
	RouteID      string
	StopID       string // normalized stop key
	ArrivalEpoch int64  // Unix seconds
}

// VehicleSnapshot is one vehicle position from a feed snapshot. Never mutated after decoding.
type VehicleSnapshot struct {
	EntityID            string
	TripID              string
	VehicleID           string
	Label               string
	Lat                 float64
	Lon                 float64
	Bearing             *float64
	CurrentStopSequence int
	StopID              string
	RouteID             string
	DirectionID         int // -1 when unknown
	Occupancy           string
	Status              string
	Timestamp           int64
}

// MarkerID is the identity used to follow a vehicle: vehicle id, else trip id
func (v VehicleSnapshot) MarkerID() string {
	if v.VehicleID != "" {
		return v.VehicleID
	}
	return v.TripID
}

// DecodeStats counts what a decode pass kept and dropped
type DecodeStats struct {
	TripUpdates       int
	SkippedStopTimes  int // SKIPPED or NO_DATA
	UnresolvedStops   int
	InvalidEpochs     int
	VehicleEntities   int
	MissingPosition   int
	InvalidCoordinate int
	RepairedPosition  int
}

// Snapshot is the decoded content of one polling cycle
type Snapshot struct {
	FeedEpoch int64
	Arrivals  []ArrivalRecord
	Vehicles  []VehicleSnapshot
	Stats     DecodeStats
}

// Merge combines snapshots decoded from separate trip-update and vehicle feeds.
// The most recent header timestamp wins.
func Merge(snaps ...*Snapshot) *Snapshot {
	out := &Snapshot{}
	for _, s := range snaps {
		if s == nil {
			continue
		}
		if s.FeedEpoch > out.FeedEpoch {
			out.FeedEpoch = s.FeedEpoch
		}
		out.Arrivals = append(out.Arrivals, s.Arrivals...)
		out.Vehicles = append(out.Vehicles, s.Vehicles...)
		out.Stats.add(s.Stats)
	}
	return out
}

func (d *DecodeStats) add(o DecodeStats) {
	d.TripUpdates += o.TripUpdates
	d.SkippedStopTimes += o.SkippedStopTimes
	d.UnresolvedStops += o.UnresolvedStops
	d.InvalidEpochs += o.InvalidEpochs
	d.VehicleEntities += o.VehicleEntities
	d.MissingPosition += o.MissingPosition
	d.InvalidCoordinate += o.InvalidCoordinate
	d.RepairedPosition += o.RepairedPosition
}

// StatusMap maps GTFS-RT VehicleStopStatus enum to string
var StatusMap = map[int32]string{
	0: "INCOMING_AT",
	1: "STOPPED_AT",
	2: "IN_TRANSIT_TO",
}
