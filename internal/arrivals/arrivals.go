package arrivals

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
)

// Mode selects whether realtime predictions are consulted
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// NoArrivalsPlaceholder is the single entry returned when nothing is due at a stop
const NoArrivalsPlaceholder = "No upcoming arrivals"

// ParseMode accepts "online" or "offline" (case-insensitive). Empty input means online.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeOnline):
		return ModeOnline, nil
	case string(ModeOffline):
		return ModeOffline, nil
	default:
		return "", fmt.Errorf("invalid mode %q", s)
	}
}

// Arrival is one scheduled visit at a stop, possibly carrying a realtime prediction
type Arrival struct {
	TripID         string `json:"tripId"`
	RouteID        string `json:"routeId"`
	RouteShortName string `json:"routeShortName"`
	StopID         string `json:"stopId"`
	WallClock      int    `json:"wallClock"` // seconds since the service day start, may exceed 24h
	ScheduledEpoch int64  `json:"scheduledEpoch"`
	PredictedEpoch int64  `json:"predictedEpoch,omitempty"`
	HasPrediction  bool   `json:"hasPrediction"`
	FromFallback   bool   `json:"fromFallback,omitempty"` // prediction came from route-level evidence
}

// SortKey is the predicted epoch when present, else the scheduled one
func (a Arrival) SortKey() int64 {
	if a.HasPrediction {
		return a.PredictedEpoch
	}
	return a.ScheduledEpoch
}

// DelaySeconds is predicted minus scheduled, 0 without a prediction
func (a Arrival) DelaySeconds() int64 {
	if !a.HasPrediction {
		return 0
	}
	return a.PredictedEpoch - a.ScheduledEpoch
}

// visit is a stop time that survived trip and calendar resolution
type visit struct {
	trip      gtfs.Trip
	stopTime  gtfs.StopTime
	wall      int
	scheduled int64
}

// visits resolves every stop time at stopID against its trip and the feed date's calendar
func (r *Reconciler) visits(stopID string, feedEpoch int64) []visit {
	loc := r.schedule.Location()
	feedDate := idnorm.FeedDate(feedEpoch, loc)

	var out []visit
	for _, st := range r.schedule.StopTimesForStop(stopID) {
		trip, ok := r.trips.MatchByTripID(st.TripID)
		if !ok {
			continue
		}
		if !r.schedule.ServiceRunsOnDate(trip.ServiceID, feedDate) {
			continue
		}
		wall, ok := gtfs.ParseTime(st.ArrivalTime)
		if !ok {
			continue
		}
		out = append(out, visit{
			trip:      trip,
			stopTime:  st,
			wall:      wall,
			scheduled: idnorm.ScheduledEpochForFeed(wall, feedEpoch, loc),
		})
	}
	return out
}

func (r *Reconciler) newArrival(v visit) Arrival {
	a := Arrival{
		TripID:         v.trip.TripID,
		RouteID:        v.trip.RouteID,
		RouteShortName: v.trip.RouteID,
		StopID:         v.stopTime.StopID,
		WallClock:      v.wall,
		ScheduledEpoch: v.scheduled,
	}
	if route, ok := r.schedule.Route(v.trip.RouteID); ok && route.RouteShortName != "" {
		a.RouteShortName = route.RouteShortName
	}
	return a
}

// attachPrediction looks up a realtime epoch for the arrival. Must hold r.mu for reading.
func (r *Reconciler) attachPrediction(a *Arrival, now time.Time) {
	epoch, ok := r.predictionFor(a.TripID, idnorm.NormalizeStopKey(a.StopID))
	if !ok || !withinWindow(epoch, now, r.opts.RealtimeWindow) {
		return
	}
	a.PredictedEpoch = epoch
	a.HasPrediction = true
}

// ArrivalsForStop returns at most one upcoming arrival per route, soonest first
func (r *Reconciler) ArrivalsForStop(stopID string, mode Mode, feedEpoch int64) []Arrival {
	now := r.opts.Now()
	visits := r.visits(stopID, feedEpoch)
	sort.SliceStable(visits, func(i, j int) bool { return visits[i].scheduled < visits[j].scheduled })

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := make(map[string]Arrival)
	for _, v := range visits {
		if !withinWindow(v.scheduled, now, r.opts.StaticWindow) {
			continue
		}
		a := r.newArrival(v)
		if mode == ModeOnline {
			r.attachPrediction(&a, now)
		}
		if cur, ok := best[a.RouteID]; !ok || replaces(cur, a) {
			best[a.RouteID] = a
		}
	}

	out := make([]Arrival, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortKey() != out[j].SortKey() {
			return out[i].SortKey() < out[j].SortKey()
		}
		return out[i].RouteID < out[j].RouteID
	})
	return out
}

// replaces decides whether candidate takes the route's slot from current. A candidate that
// only gains a realtime prediction may not displace a static estimate more than 30 minutes away.
func replaces(current, candidate Arrival) bool {
	if candidate.SortKey() < current.SortKey() {
		return true
	}
	return candidate.HasPrediction && !current.HasPrediction &&
		absDiff(candidate.SortKey(), current.SortKey()) <= int64(realtimeTakeoverWindow/time.Second)
}

// ComputeArrivalsForStop formats ArrivalsForStop for display. The result is never empty.
func (r *Reconciler) ComputeArrivalsForStop(stopID string, mode Mode, feedEpoch int64) []string {
	return r.FormatArrivals(r.ArrivalsForStop(stopID, mode, feedEpoch))
}

// FormatArrivals renders ArrivalsForStop output as "<route> HH:MM[ delay]" lines in the
// agency timezone, or the placeholder when there is nothing to show.
func (r *Reconciler) FormatArrivals(arrivals []Arrival) []string {
	if len(arrivals) == 0 {
		return []string{NoArrivalsPlaceholder}
	}

	loc := r.schedule.Location()
	lines := make([]string, 0, len(arrivals))
	for _, a := range arrivals {
		lines = append(lines, fmt.Sprintf("%s %s%s", a.RouteShortName, clock(a.SortKey(), loc), delayTag(a)))
	}
	return lines
}

// GetAllTripsForStopToday returns every trip calling at stopID on the feed's service date,
// ordered by scheduled wall-clock time. There is no display window and no per-route collapsing.
// In online mode trips without a trip-level prediction are offered route-level fallback epochs.
func (r *Reconciler) GetAllTripsForStopToday(stopID string, mode Mode, feedEpoch int64) []Arrival {
	now := r.opts.Now()
	visits := r.visits(stopID, feedEpoch)

	out := make([]Arrival, 0, len(visits))
	for _, v := range visits {
		out = append(out, r.newArrival(v))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].WallClock != out[j].WallClock {
			return out[i].WallClock < out[j].WallClock
		}
		return out[i].TripID < out[j].TripID
	})

	if mode != ModeOnline {
		return out
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range out {
		r.attachPrediction(&out[i], now)
	}
	return r.assignFallbackLocked(stopID, out, now)
}

// FormatTrip renders one row of GetAllTripsForStopToday
func FormatTrip(a Arrival) string {
	line := fmt.Sprintf("%s  %-6s %s%s", gtfs.FormatTimeHHMMSS(a.WallClock)[:5], a.RouteShortName, a.TripID, delayTag(a))
	if a.FromFallback {
		line += " ~"
	}
	return line
}

func clock(epoch int64, loc *time.Location) string {
	return time.Unix(epoch, 0).In(loc).Format("15:04")
}

func delayTag(a Arrival) string {
	if !a.HasPrediction {
		return ""
	}
	minutes := roundMinutes(a.DelaySeconds())
	switch {
	case minutes > 0:
		return fmt.Sprintf(" (+%d min)", minutes)
	case minutes < 0:
		return fmt.Sprintf(" (%d min)", minutes)
	default:
		return " (on time)"
	}
}

// roundMinutes rounds half away from zero
func roundMinutes(seconds int64) int64 {
	if seconds < 0 {
		return -((-seconds + 30) / 60)
	}
	return (seconds + 30) / 60
}
