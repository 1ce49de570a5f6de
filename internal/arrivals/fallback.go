package arrivals

import (
	"sort"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/idnorm"
)

// LookupRouteFallbackArrivalEpoch returns the realtime epoch seen for routeID at stopID
// that lies closest to scheduledEpoch, if it is within the maximum deviation.
//
// It answers for a single trip and does not know which epochs other trips claim, so the
// stop queries go through AssignRouteFallbackPredictions instead. It is kept for library
// callers that display one trip at a time.
func (r *Reconciler) LookupRouteFallbackArrivalEpoch(stopID, routeID string, scheduledEpoch int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best int64
	found := false
	for _, rv := range idnorm.RouteIDVariants(routeID) {
		byStop := r.index.byRoute[rv]
		if byStop == nil {
			continue
		}
		for _, sv := range idnorm.StopIDVariants(stopID) {
			epoch, ok := nearest(byStop[sv], scheduledEpoch)
			if !ok {
				continue
			}
			if !found || absDiff(epoch, scheduledEpoch) < absDiff(best, scheduledEpoch) {
				best, found = epoch, true
			}
		}
	}

	if !found || absDiff(best, scheduledEpoch) > r.maxDeviation() {
		return 0, false
	}
	return best, true
}

// AssignRouteFallbackPredictions gives trips without a trip-level prediction the route-level
// epochs observed at stopID, pairing them greedily by smallest time difference. The greedy
// pass is not a minimum-cost matching. The input slice is not modified.
func (r *Reconciler) AssignRouteFallbackPredictions(stopID string, trips []Arrival) []Arrival {
	now := r.opts.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assignFallbackLocked(stopID, trips, now)
}

func (r *Reconciler) assignFallbackLocked(stopID string, trips []Arrival, now time.Time) []Arrival {
	out := make([]Arrival, len(trips))
	copy(out, trips)

	pending := make(map[string][]int)   // route -> indexes of trips lacking a prediction
	claimed := make(map[string][]int64) // route -> epochs already owned by trip-level predictions
	var routes []string
	for i, a := range out {
		if a.HasPrediction {
			claimed[a.RouteID] = append(claimed[a.RouteID], a.PredictedEpoch)
			continue
		}
		if _, seen := pending[a.RouteID]; !seen {
			routes = append(routes, a.RouteID)
		}
		pending[a.RouteID] = append(pending[a.RouteID], i)
	}
	sort.Strings(routes)

	for _, routeID := range routes {
		pool := r.fallbackPool(stopID, routeID, claimed[routeID], now)
		for _, pair := range greedyAssign(out, pending[routeID], pool, r.maxDeviation()) {
			out[pair.trip].PredictedEpoch = pair.epoch
			out[pair.trip].HasPrediction = true
			out[pair.trip].FromFallback = true
		}
	}
	return out
}

// fallbackPool collects the distinct epochs visible for a route at a stop across all id variants
func (r *Reconciler) fallbackPool(stopID, routeID string, claimed []int64, now time.Time) []int64 {
	seen := make(map[int64]bool)
	for _, e := range claimed {
		seen[e] = true
	}

	var pool []int64
	for _, rv := range idnorm.RouteIDVariants(routeID) {
		byStop := r.index.byRoute[rv]
		if byStop == nil {
			continue
		}
		for _, sv := range idnorm.StopIDVariants(stopID) {
			for _, e := range byStop[sv] {
				if seen[e] || !withinWindow(e, now, r.opts.RealtimeWindow) {
					continue
				}
				seen[e] = true
				pool = append(pool, e)
			}
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })
	return pool
}

type assignment struct {
	trip  int
	epoch int64
}

// greedyAssign repeatedly takes the globally closest (trip, epoch) pair until no remaining
// pair is within maxDev. Ties go to the earlier trip, then the earlier epoch.
func greedyAssign(trips []Arrival, tripIdx []int, pool []int64, maxDev int64) []assignment {
	usedTrip := make([]bool, len(tripIdx))
	usedEpoch := make([]bool, len(pool))

	var result []assignment
	for {
		bestT, bestE := -1, -1
		var bestDiff int64
		for ti, idx := range tripIdx {
			if usedTrip[ti] {
				continue
			}
			for ei, e := range pool {
				if usedEpoch[ei] {
					continue
				}
				diff := absDiff(trips[idx].ScheduledEpoch, e)
				if diff > maxDev {
					continue
				}
				if bestT < 0 || diff < bestDiff {
					bestT, bestE, bestDiff = ti, ei, diff
				}
			}
		}
		if bestT < 0 {
			return result
		}
		usedTrip[bestT] = true
		usedEpoch[bestE] = true
		result = append(result, assignment{trip: tripIdx[bestT], epoch: pool[bestE]})
	}
}

// nearest finds the element of a sorted slice closest to target
func nearest(sorted []int64, target int64) (int64, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= target })
	switch {
	case i == 0:
		return sorted[0], true
	case i == len(sorted):
		return sorted[len(sorted)-1], true
	}
	floor, ceil := sorted[i-1], sorted[i]
	if target-floor <= ceil-target {
		return floor, true
	}
	return ceil, true
}

func (r *Reconciler) maxDeviation() int64 {
	return int64(r.opts.FallbackMaxDeviation / time.Second)
}
