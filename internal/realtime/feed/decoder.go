// Package feed turns GTFS-Realtime snapshots into flat arrival records and vehicle snapshots.
package feed

import (
	"fmt"
	"math"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
)

// fixedPointScale undoes feeds that publish coordinates as integer microdegrees
const fixedPointScale = 1_000_000

// StopResolver is the slice of the static schedule the decoder needs
type StopResolver interface {
	IsKnownStopID(stopID string) bool
	StopIDByTripAndSequence(tripID string, seq int) (string, bool)
}

// Decoder is stateless apart from its schedule reference and safe for concurrent use
type Decoder struct {
	stops StopResolver
	now   func() time.Time
}

// NewDecoder creates a decoder. stops may be nil, in which case explicit stop ids are used as-is.
func NewDecoder(stops StopResolver) *Decoder {
	return &Decoder{stops: stops, now: time.Now}
}

// DecodeBytes parses a protobuf FeedMessage and decodes it
func (d *Decoder) DecodeBytes(body []byte) (*Snapshot, error) {
	msg := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}
	return d.Decode(msg), nil
}

// Decode flattens one feed message. Malformed entities are skipped and counted; the pass never fails.
func (d *Decoder) Decode(msg *gtfs.FeedMessage) *Snapshot {
	snap := &Snapshot{}
	if epoch, ok := idnorm.NormalizeEpoch(int64(msg.GetHeader().GetTimestamp())); ok {
		snap.FeedEpoch = epoch
	} else {
		snap.FeedEpoch = d.now().Unix()
	}

	for _, entity := range msg.GetEntity() {
		if entity.GetIsDeleted() {
			continue
		}
		if tu := entity.GetTripUpdate(); tu != nil {
			snap.Stats.TripUpdates++
			snap.Arrivals = append(snap.Arrivals, d.decodeTripUpdate(tu, &snap.Stats)...)
		}
		if vp := entity.GetVehicle(); vp != nil {
			snap.Stats.VehicleEntities++
			if v, ok := d.decodeVehicle(entity.GetId(), vp, &snap.Stats); ok {
				snap.Vehicles = append(snap.Vehicles, v)
			}
		}
	}

	return snap
}

func (d *Decoder) decodeTripUpdate(tu *gtfs.TripUpdate, stats *DecodeStats) []ArrivalRecord {
	tripID := tu.GetTrip().GetTripId()
	routeID := tu.GetTrip().GetRouteId()
	tripKey := idnorm.NormalizeTripKey(tripID)
	if tripKey == "" && routeID == "" {
		return nil
	}

	var records []ArrivalRecord
	for _, stu := range tu.GetStopTimeUpdate() {
		switch stu.GetScheduleRelationship() {
		case gtfs.TripUpdate_StopTimeUpdate_SKIPPED, gtfs.TripUpdate_StopTimeUpdate_NO_DATA:
			stats.SkippedStopTimes++
			continue
		}

		stopID := d.resolveStop(tripID, tripKey, stu)
		if stopID == "" {
			stats.UnresolvedStops++
			continue
		}

		epoch, ok := eventEpoch(stu)
		if !ok {
			stats.InvalidEpochs++
			continue
		}

		records = append(records, ArrivalRecord{
			TripID:       tripID,
			TripKey:      tripKey,
			RouteID:      routeID,
			StopID:       stopID,
			ArrivalEpoch: epoch,
		})
	}
	return records
}

// resolveStop prefers a stop id the schedule recognizes, then the (trip, sequence) lookup,
// then whatever explicit id the feed carried.
func (d *Decoder) resolveStop(tripID, tripKey string, stu *gtfs.TripUpdate_StopTimeUpdate) string {
	explicit := stu.GetStopId()
	if explicit != "" && (d.stops == nil || d.stops.IsKnownStopID(explicit)) {
		return idnorm.NormalizeStopKey(explicit)
	}

	if stu.StopSequence != nil && d.stops != nil {
		seq := int(stu.GetStopSequence())
		candidates := append([]string{tripID, idnorm.StripTripPrefix(tripID), tripKey}, idnorm.TripIDVariants(tripID)...)
		for _, id := range candidates {
			if id == "" {
				continue
			}
			if stopID, ok := d.stops.StopIDByTripAndSequence(id, seq); ok {
				return idnorm.NormalizeStopKey(stopID)
			}
		}
	}

	return idnorm.NormalizeStopKey(explicit)
}

// eventEpoch prefers the arrival time, falling back to the departure time
func eventEpoch(stu *gtfs.TripUpdate_StopTimeUpdate) (int64, bool) {
	if t := stu.GetArrival().GetTime(); t != 0 {
		return idnorm.NormalizeEpoch(t)
	}
	if t := stu.GetDeparture().GetTime(); t != 0 {
		return idnorm.NormalizeEpoch(t)
	}
	return 0, false
}

func (d *Decoder) decodeVehicle(entityID string, vp *gtfs.VehiclePosition, stats *DecodeStats) (VehicleSnapshot, bool) {
	pos := vp.GetPosition()
	if pos == nil {
		stats.MissingPosition++
		return VehicleSnapshot{}, false
	}

	lat, lon, repaired, ok := sanitizeCoordinate(float64(pos.GetLatitude()), float64(pos.GetLongitude()))
	if !ok {
		stats.InvalidCoordinate++
		return VehicleSnapshot{}, false
	}
	if repaired {
		stats.RepairedPosition++
	}

	v := VehicleSnapshot{
		EntityID:            entityID,
		TripID:              vp.GetTrip().GetTripId(),
		RouteID:             vp.GetTrip().GetRouteId(),
		VehicleID:           vp.GetVehicle().GetId(),
		Label:               vp.GetVehicle().GetLabel(),
		Lat:                 lat,
		Lon:                 lon,
		CurrentStopSequence: int(vp.GetCurrentStopSequence()),
		StopID:              vp.GetStopId(),
		DirectionID:         -1,
	}
	if vp.GetTrip() != nil && vp.GetTrip().DirectionId != nil {
		v.DirectionID = int(vp.GetTrip().GetDirectionId())
	}
	if pos.Bearing != nil {
		b := float64(pos.GetBearing())
		v.Bearing = &b
	}
	if vp.OccupancyStatus != nil {
		v.Occupancy = vp.GetOccupancyStatus().String()
	}
	if vp.CurrentStatus != nil {
		v.Status = StatusMap[int32(vp.GetCurrentStatus())]
	}
	if ts, ok := idnorm.NormalizeEpoch(int64(vp.GetTimestamp())); ok {
		v.Timestamp = ts
	}

	return v, true
}

// sanitizeCoordinate rejects non-finite values and the (0,0) "no fix" sentinel, and rescues
// fixed-point coordinates that are out of range by a factor of 10^6.
func sanitizeCoordinate(lat, lon float64) (float64, float64, bool, bool) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return 0, 0, false, false
	}

	repaired := false
	if !inRange(lat, lon) {
		lat /= fixedPointScale
		lon /= fixedPointScale
		if !inRange(lat, lon) {
			return 0, 0, false, false
		}
		repaired = true
	}

	if lat == 0 && lon == 0 {
		return 0, 0, false, false
	}
	return lat, lon, repaired, true
}

func inRange(lat, lon float64) bool {
	return math.Abs(lat) <= 90 && math.Abs(lon) <= 180
}
