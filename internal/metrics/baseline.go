package metrics

import (
	"context"
	"log"
	"math"
	"sort"
	"time"
)

// minBaselineSamples is how many cycles a slot needs before it is trusted
const minBaselineSamples = 10

// OverallRoute is the pseudo route under which the aggregate health is recorded
const OverallRoute = "overall"

// RouteBaseline is the learned vehicle count for a route in one hour-of-week slot
type RouteBaseline struct {
	RouteID            string
	HourOfDay          int
	DayOfWeek          int
	VehicleCountMean   float64
	VehicleCountStdDev float64
	SampleCount        int
}

// HealthStatus is a graded vehicle count for one cycle
type HealthStatus struct {
	RouteID      string `json:"routeId"`
	HealthScore  int    `json:"healthScore"`
	Status       string `json:"status"`
	VehicleCount int    `json:"vehicleCount"`
}

// BaselineStore persists baselines and health history
type BaselineStore interface {
	GetBaseline(ctx context.Context, routeID string, hour, dayOfWeek int) (*RouteBaseline, error)
	SaveBaseline(ctx context.Context, baseline RouteBaseline) error
	RecordHealthStatus(ctx context.Context, status HealthStatus) error
	CleanupHealthHistory(ctx context.Context) error
}

// BaselineLearner learns expected vehicle counts per route and grades each cycle against them
type BaselineLearner struct {
	store BaselineStore
}

// NewBaselineLearner creates a new baseline learner
func NewBaselineLearner(store BaselineStore) *BaselineLearner {
	return &BaselineLearner{store: store}
}

// Observe grades this cycle's per-route vehicle counts, records the statuses and folds
// the counts into the baselines for the current hour slot. Returned statuses are sorted
// by route with the overall status last.
func (l *BaselineLearner) Observe(ctx context.Context, counts map[string]int, now time.Time) []HealthStatus {
	hour, dow := now.Hour(), int(now.Weekday())

	routes := make([]string, 0, len(counts))
	for routeID := range counts {
		routes = append(routes, routeID)
	}
	sort.Strings(routes)

	statuses := make([]HealthStatus, 0, len(routes)+1)
	total := 0
	for _, routeID := range routes {
		count := counts[routeID]
		existing, err := l.store.GetBaseline(ctx, routeID, hour, dow)
		if err != nil {
			log.Printf("Baseline: failed to read %s: %v", routeID, err)
			continue
		}

		score, status := Grade(count, existing)
		st := HealthStatus{RouteID: routeID, HealthScore: score, Status: status, VehicleCount: count}
		statuses = append(statuses, st)
		total += score
		if err := l.store.RecordHealthStatus(ctx, st); err != nil {
			log.Printf("Health status: failed to record for %s: %v", routeID, err)
		}

		// an empty route is an outage, not a sample
		if count == 0 {
			continue
		}
		if err := l.learn(ctx, routeID, hour, dow, count, existing); err != nil {
			log.Printf("Baseline: failed to update %s: %v", routeID, err)
		}
	}

	overall := HealthStatus{RouteID: OverallRoute, Status: "unknown"}
	if n := len(statuses); n > 0 {
		overall.HealthScore = total / n
		overall.Status = statusFor(overall.HealthScore)
		for _, st := range statuses {
			overall.VehicleCount += st.VehicleCount
		}
	}
	statuses = append(statuses, overall)
	if err := l.store.RecordHealthStatus(ctx, overall); err != nil {
		log.Printf("Health status: failed to record overall: %v", err)
	}
	if err := l.store.CleanupHealthHistory(ctx); err != nil {
		log.Printf("Health status: cleanup failed: %v", err)
	}
	return statuses
}

func (l *BaselineLearner) learn(ctx context.Context, routeID string, hour, dow, count int, existing *RouteBaseline) error {
	w := &WelfordState{}
	if existing != nil {
		w = NewWelfordState(existing.VehicleCountMean, existing.VehicleCountStdDev, existing.SampleCount)
	}
	w.Update(float64(count))

	return l.store.SaveBaseline(ctx, RouteBaseline{
		RouteID:            routeID,
		HourOfDay:          hour,
		DayOfWeek:          dow,
		VehicleCountMean:   w.Mean,
		VehicleCountStdDev: w.StdDev(),
		SampleCount:        w.Count,
	})
}

// Grade scores a vehicle count against its baseline. Without a trusted baseline any
// vehicle counts as healthy.
func Grade(count int, baseline *RouteBaseline) (int, string) {
	if count <= 0 {
		return 0, "unhealthy"
	}
	if baseline == nil || baseline.SampleCount < minBaselineSamples || baseline.VehicleCountMean <= 0 {
		return 100, "healthy"
	}
	// within two deviations of the mean is normal variation
	floor := baseline.VehicleCountMean - 2*baseline.VehicleCountStdDev
	if float64(count) >= floor {
		return 100, "healthy"
	}
	score := int(math.Round(100 * float64(count) / baseline.VehicleCountMean))
	if score > 100 {
		score = 100
	}
	return score, statusFor(score)
}

func statusFor(score int) string {
	switch {
	case score >= 80:
		return "healthy"
	case score >= 50:
		return "degraded"
	default:
		return "unhealthy"
	}
}
