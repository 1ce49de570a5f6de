package arrivals

import (
	"sort"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
)

// maxPlausibleDelay drops observations that point at the wrong service day
const maxPlausibleDelay = 2 * 3600

// Delay is one predicted-minus-scheduled observation for a route
type Delay struct {
	RouteID      string
	TripID       string
	DelaySeconds int
}

// DelayObservations derives one delay per trip from a cycle's records, using the trip's
// earliest predicted stop that appears in its static stop times.
func (r *Reconciler) DelayObservations(records []feed.ArrivalRecord) []Delay {
	byTrip := make(map[string][]feed.ArrivalRecord)
	var order []string
	for _, rec := range records {
		if rec.TripKey == "" {
			continue
		}
		if _, seen := byTrip[rec.TripKey]; !seen {
			order = append(order, rec.TripKey)
		}
		byTrip[rec.TripKey] = append(byTrip[rec.TripKey], rec)
	}

	loc := r.schedule.Location()
	var out []Delay
	for _, key := range order {
		recs := byTrip[key]
		sort.Slice(recs, func(i, j int) bool { return recs[i].ArrivalEpoch < recs[j].ArrivalEpoch })

		tripID := recs[0].TripID
		if tripID == "" {
			tripID = key
		}
		trip, ok := r.trips.MatchByTripID(tripID)
		if !ok {
			continue
		}
		stopTimes := r.schedule.StopTimesForTrip(trip.TripID)

		for _, rec := range recs {
			wall, ok := wallClockAt(stopTimes, rec.StopID)
			if !ok {
				continue
			}
			delay := rec.ArrivalEpoch - idnorm.ScheduledEpochForFeed(wall, rec.ArrivalEpoch, loc)
			if absDiff(delay, 0) > maxPlausibleDelay {
				break
			}
			out = append(out, Delay{RouteID: trip.RouteID, TripID: trip.TripID, DelaySeconds: int(delay)})
			break
		}
	}
	return out
}

func wallClockAt(stopTimes []gtfs.StopTime, stopKey string) (int, bool) {
	for _, st := range stopTimes {
		if idnorm.NormalizeStopKey(st.StopID) != stopKey {
			continue
		}
		t := st.ArrivalTime
		if t == "" {
			t = st.DepartureTime
		}
		return gtfs.ParseTime(t)
	}
	return 0, false
}
