// Package arrivals merges static stop times with realtime predictions into per-stop
// arrival estimates.
package arrivals

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bluele/gcache"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
)

// Default sanity windows
const (
	DefaultStaticWindow         = 90 * time.Minute
	DefaultRealtimeWindow       = 90 * time.Minute
	DefaultFallbackMaxDeviation = 5 * time.Minute

	// pastTolerance is how far in the past an arrival may be and still be shown
	pastTolerance = 2 * time.Minute
	// realtimeTakeoverWindow bounds how far a realtime candidate may be from a static-only one it replaces
	realtimeTakeoverWindow = 30 * time.Minute
	fuzzyMemoSize          = 4096
)

// Schedule is the static schedule as seen by the reconciler
type Schedule interface {
	StopTimesForStop(stopID string) []gtfs.StopTime
	StopTimesForTrip(tripID string) []gtfs.StopTime
	ServiceRunsOnDate(serviceID string, date time.Time) bool
	Route(routeID string) (gtfs.Route, bool)
	Location() *time.Location
}

// TripMatcher resolves a trip id to a static trip
type TripMatcher interface {
	MatchByTripID(tripID string) (gtfs.Trip, bool)
}

// Options tunes the reconciler. Zero values select the defaults.
type Options struct {
	StaticWindow         time.Duration
	RealtimeWindow       time.Duration
	FallbackMaxDeviation time.Duration
	Now                  func() time.Time
}

// Reconciler owns the realtime arrival index and the route fallback index.
// Both are replaced together on every UpdateRealtimeArrivals call.
type Reconciler struct {
	schedule Schedule
	trips    TripMatcher
	opts     Options

	mu    sync.RWMutex
	index *realtimeIndex
	fuzzy gcache.Cache // trip id + stop key -> matched index key, purged on rebuild
}

// realtimeIndex is immutable once built
type realtimeIndex struct {
	byTrip  map[string]map[string]int64   // normalized trip key -> stop key -> epoch
	byStop  map[string][]string           // stop key -> sorted trip keys predicted there
	byRoute map[string]map[string][]int64 // route variant -> stop variant -> sorted epochs
	records int
}

// NewReconciler creates a reconciler with an empty realtime index
func NewReconciler(schedule Schedule, trips TripMatcher, opts Options) *Reconciler {
	if opts.StaticWindow <= 0 {
		opts.StaticWindow = DefaultStaticWindow
	}
	if opts.RealtimeWindow <= 0 {
		opts.RealtimeWindow = DefaultRealtimeWindow
	}
	if opts.FallbackMaxDeviation <= 0 {
		opts.FallbackMaxDeviation = DefaultFallbackMaxDeviation
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Reconciler{
		schedule: schedule,
		trips:    trips,
		opts:     opts,
		index:    buildIndex(nil),
		fuzzy:    gcache.New(fuzzyMemoSize).LRU().Build(),
	}
}

// UpdateRealtimeArrivals replaces both realtime indexes with the given cycle's records.
// Predictions absent from records are gone afterwards.
func (r *Reconciler) UpdateRealtimeArrivals(records []feed.ArrivalRecord) {
	next := buildIndex(records)

	r.mu.Lock()
	r.index = next
	r.fuzzy.Purge()
	r.mu.Unlock()
}

// IndexedRecords returns how many records the current index was built from
func (r *Reconciler) IndexedRecords() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.records
}

func buildIndex(records []feed.ArrivalRecord) *realtimeIndex {
	idx := &realtimeIndex{
		byTrip:  make(map[string]map[string]int64),
		byStop:  make(map[string][]string),
		byRoute: make(map[string]map[string][]int64),
		records: len(records),
	}

	stopTrips := make(map[string]map[string]bool)
	for _, rec := range records {
		if rec.StopID == "" {
			continue
		}

		if rec.TripKey != "" {
			source := rec.TripID
			if source == "" {
				source = rec.TripKey
			}
			for _, key := range idnorm.TripIndexKeys(source) {
				stops := idx.byTrip[key]
				if stops == nil {
					stops = make(map[string]int64)
					idx.byTrip[key] = stops
				}
				stops[rec.StopID] = rec.ArrivalEpoch
				if stopTrips[rec.StopID] == nil {
					stopTrips[rec.StopID] = make(map[string]bool)
				}
				stopTrips[rec.StopID][key] = true
			}
		}

		for _, rv := range idnorm.RouteIDVariants(rec.RouteID) {
			byStop := idx.byRoute[rv]
			if byStop == nil {
				byStop = make(map[string][]int64)
				idx.byRoute[rv] = byStop
			}
			for _, sv := range idnorm.StopIDVariants(rec.StopID) {
				byStop[sv] = append(byStop[sv], rec.ArrivalEpoch)
			}
		}
	}

	for stop, keys := range stopTrips {
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		idx.byStop[stop] = sorted
	}
	for _, byStop := range idx.byRoute {
		for sv, epochs := range byStop {
			byStop[sv] = sortedUnique(epochs)
		}
	}
	return idx
}

// predictionFor returns the realtime epoch for a static trip at a stop key.
// Must be called with r.mu held for reading.
func (r *Reconciler) predictionFor(tripID, stopKey string) (int64, bool) {
	if stopKey == "" {
		return 0, false
	}
	variants := idnorm.TripIndexKeys(tripID)
	for _, v := range variants {
		if epoch, ok := r.index.byTrip[v][stopKey]; ok {
			return epoch, true
		}
	}

	memoKey := tripID + "\x00" + stopKey
	if cached, err := r.fuzzy.Get(memoKey); err == nil {
		key := cached.(string)
		if key == "" {
			return 0, false
		}
		epoch, ok := r.index.byTrip[key][stopKey]
		return epoch, ok
	}

	key, _ := fuzzyMatchKey(r.index.byStop[stopKey], variants)
	_ = r.fuzzy.Set(memoKey, key)
	if key == "" {
		return 0, false
	}
	epoch, ok := r.index.byTrip[key][stopKey]
	return epoch, ok
}

// withinWindow reports whether epoch lies in [now-2min, now+ahead]
func withinWindow(epoch int64, now time.Time, ahead time.Duration) bool {
	diff := epoch - now.Unix()
	return diff >= -int64(pastTolerance/time.Second) && diff <= int64(ahead/time.Second)
}

func sortedUnique(epochs []int64) []int64 {
	slices.Sort(epochs)
	return slices.Compact(epochs)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
