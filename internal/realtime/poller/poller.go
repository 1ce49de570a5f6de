// Package poller drives one realtime cycle: fetch, decode, reconcile, project and fan out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/arrivals"
	"github.com/mini-rodalies-3d/transitsync/internal/db"
	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
	"github.com/mini-rodalies-3d/transitsync/internal/progress"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
	"github.com/mini-rodalies-3d/transitsync/internal/tracker"
)

// ErrNoFeeds is returned when neither realtime feed could be fetched
var ErrNoFeeds = errors.New("no realtime feed could be fetched")

// Fetcher downloads and decodes one GTFS-RT feed
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*feed.Snapshot, error)
}

// RouteCatalog supplies route geometry and canonical ids
type RouteCatalog interface {
	Route(routeID string) (gtfs.Route, bool)
	RouteStops(routeID string, directionID int) []gtfs.Stop
}

// Store persists a cycle. *db.DB implements it.
type Store interface {
	CreateSnapshot(ctx context.Context, polledAt time.Time, feedEpoch int64, arrivals, vehicles int) (string, error)
	InsertArrivalSignals(ctx context.Context, snapshotID string, polledAt time.Time, records []feed.ArrivalRecord) error
	UpsertVehiclePositions(ctx context.Context, snapshotID string, polledAt time.Time, positions []db.VehiclePosition) error
	UpdateDelayStats(ctx context.Context, at time.Time, observations []db.DelayObservation) error
	Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// MarkerPublisher fans markers out to a message bus
type MarkerPublisher interface {
	PublishMarkers(markers []progress.Marker) int
}

// Broadcaster pushes each cycle to live subscribers
type Broadcaster interface {
	Broadcast(c *Cycle)
}

// HealthObserver grades per-route vehicle counts
type HealthObserver interface {
	Observe(ctx context.Context, counts map[string]int, now time.Time) []metrics.HealthStatus
}

// Options configures the feeds and retention
type Options struct {
	TripUpdatesURL      string
	VehiclePositionsURL string
	Retention           time.Duration
}

// Deps are the collaborators of a poller. Everything after Tracker is optional.
type Deps struct {
	Fetcher    Fetcher
	Reconciler *arrivals.Reconciler
	Projector  *progress.Projector
	Routes     RouteCatalog
	Tracker    *tracker.Tracker

	Store     Store
	Publisher MarkerPublisher
	Hub       Broadcaster
	Health    HealthObserver
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// Cycle is the immutable result of one poll. Readers get it through Latest.
type Cycle struct {
	PolledAt  time.Time                    `json:"polledAt"`
	FeedEpoch int64                        `json:"feedEpoch"`
	Arrivals  int                          `json:"arrivals"`
	Markers   map[string][]progress.Marker `json:"markers"`
	Followed  *progress.Marker             `json:"followed,omitempty"`
	Tracking  tracker.State                `json:"tracking"`
	Health    []metrics.HealthStatus       `json:"health,omitempty"`

	vehicles []feed.VehicleSnapshot
}

// AllMarkers returns the markers of every route ordered by route then progress
func (c *Cycle) AllMarkers() []progress.Marker {
	routes := make([]string, 0, len(c.Markers))
	for r := range c.Markers {
		routes = append(routes, r)
	}
	sort.Strings(routes)

	var out []progress.Marker
	for _, r := range routes {
		out = append(out, c.Markers[r]...)
	}
	return out
}

// Poller runs poll cycles. Poll must not be called concurrently; Latest, Follow and
// Unfollow are safe from any goroutine.
type Poller struct {
	deps Deps
	opts Options

	latest atomic.Pointer[Cycle]

	mu     sync.Mutex
	filter tracker.Filter
}

// New creates a poller
func New(deps Deps, opts Options) *Poller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Poller{deps: deps, opts: opts, filter: tracker.AnyRoute}
}

// Latest returns the most recent cycle, nil before the first successful poll
func (p *Poller) Latest() *Cycle {
	return p.latest.Load()
}

// Follow starts following a marker, optionally restricted to a route and direction
func (p *Poller) Follow(markerID string, filter tracker.Filter) {
	p.mu.Lock()
	p.filter = filter
	p.mu.Unlock()
	p.deps.Tracker.Follow(markerID)
}

// Unfollow clears the followed marker
func (p *Poller) Unfollow() {
	p.mu.Lock()
	p.filter = tracker.AnyRoute
	p.mu.Unlock()
	p.deps.Tracker.Clear()
}

// FollowState returns the tracker state and the active filter
func (p *Poller) FollowState() (tracker.State, tracker.Filter) {
	p.mu.Lock()
	filter := p.filter
	p.mu.Unlock()
	return p.deps.Tracker.State(), filter
}

// Run polls immediately and then every interval until ctx is done
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	p.pollAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pollAndLog(ctx)
		case <-ctx.Done():
			log.Println("Poller: loop stopped")
			return
		}
	}
}

func (p *Poller) pollAndLog(ctx context.Context) {
	if _, err := p.Poll(ctx); err != nil {
		log.Printf("Poller: poll error: %v", err)
	}
}

// Poll runs one cycle and publishes its result. Persistence and fan-out failures are
// logged and do not fail the cycle.
func (p *Poller) Poll(ctx context.Context) (*Cycle, error) {
	start := p.deps.Now()
	polledAt := start.UTC()

	tripUpdates, tuErr := p.fetch(ctx, "trip_updates", p.opts.TripUpdatesURL)
	vehicles, vpErr := p.fetch(ctx, "vehicle_positions", p.opts.VehiclePositionsURL)
	if tripUpdates == nil && vehicles == nil {
		p.countCycle("fetch_error")
		return nil, fmt.Errorf("%w: %v", ErrNoFeeds, errors.Join(tuErr, vpErr))
	}

	snap := feed.Merge(tripUpdates, vehicles)
	if snap.FeedEpoch == 0 {
		snap.FeedEpoch = polledAt.Unix()
	}

	// a failed trip update fetch keeps the previous index rather than wiping predictions
	if tripUpdates != nil {
		p.deps.Reconciler.UpdateRealtimeArrivals(tripUpdates.Arrivals)
	}

	cycle := &Cycle{
		PolledAt:  polledAt,
		FeedEpoch: snap.FeedEpoch,
		Arrivals:  len(snap.Arrivals),
		Markers:   p.buildMarkers(snap.Vehicles),
		vehicles:  snap.Vehicles,
	}
	if vehicles == nil {
		// keep showing the last known vehicles while the position feed is down
		if prev := p.latest.Load(); prev != nil {
			cycle.Markers = prev.Markers
			cycle.vehicles = prev.vehicles
		}
	}

	p.resolveFollowed(cycle)

	if p.deps.Health != nil {
		counts := make(map[string]int, len(cycle.Markers))
		for routeID, markers := range cycle.Markers {
			counts[routeID] = len(markers)
		}
		cycle.Health = p.deps.Health.Observe(ctx, counts, start)
	}

	p.latest.Store(cycle)

	all := cycle.AllMarkers()
	if p.deps.Publisher != nil && len(all) > 0 {
		p.deps.Publisher.PublishMarkers(all)
	}
	if p.deps.Hub != nil {
		p.deps.Hub.Broadcast(cycle)
	}
	if p.deps.Store != nil {
		p.persist(ctx, cycle, snap, all)
	}

	if m := p.deps.Metrics; m != nil {
		m.ObserveDecode(len(snap.Arrivals), len(snap.Vehicles), skipCounts(snap.Stats))
		m.CycleDuration.Observe(p.deps.Now().Sub(start).Seconds())
	}
	if len(snap.Arrivals) == 0 && len(snap.Vehicles) == 0 {
		p.countCycle("empty")
	} else {
		p.countCycle("ok")
	}

	log.Printf("Poller: %d arrivals, %d vehicles on %d routes", len(snap.Arrivals), len(all), len(cycle.Markers))
	return cycle, nil
}

func (p *Poller) fetch(ctx context.Context, name, url string) (*feed.Snapshot, error) {
	if url == "" {
		return nil, nil
	}
	snap, err := p.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.FetchErrors.WithLabelValues(name).Inc()
		}
		log.Printf("Poller: %s fetch failed: %v", name, err)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return snap, nil
}

// buildMarkers projects every vehicle onto the longest stop sequence of its route
func (p *Poller) buildMarkers(vehicles []feed.VehicleSnapshot) map[string][]progress.Marker {
	routes := make(map[string]bool)
	for _, v := range vehicles {
		routeID, _ := p.deps.Projector.ResolveRoute(v)
		if routeID == "" {
			continue
		}
		if r, ok := p.deps.Routes.Route(routeID); ok {
			routeID = r.RouteID
		}
		routes[routeID] = true
	}

	out := make(map[string][]progress.Marker, len(routes))
	for routeID := range routes {
		stops := p.deps.Routes.RouteStops(routeID, -1)
		if markers := p.deps.Projector.BuildForRoute(vehicles, routeID, stops, -1); len(markers) > 0 {
			out[routeID] = markers
		}
	}
	return out
}

func (p *Poller) resolveFollowed(cycle *Cycle) {
	p.mu.Lock()
	filter := p.filter
	p.mu.Unlock()

	v, ok := p.deps.Tracker.Resolve(cycle.vehicles, filter)
	cycle.Tracking = p.deps.Tracker.State()
	if !ok {
		return
	}
	for _, markers := range cycle.Markers {
		for i := range markers {
			if strings.EqualFold(markers[i].ID, v.MarkerID()) {
				m := markers[i]
				cycle.Followed = &m
				return
			}
		}
	}
}

func (p *Poller) persist(ctx context.Context, cycle *Cycle, snap *feed.Snapshot, markers []progress.Marker) {
	store := p.deps.Store

	snapshotID, err := store.CreateSnapshot(ctx, cycle.PolledAt, snap.FeedEpoch, len(snap.Arrivals), len(markers))
	if err != nil {
		log.Printf("Poller: %v", err)
		return
	}
	if err := store.InsertArrivalSignals(ctx, snapshotID, cycle.PolledAt, snap.Arrivals); err != nil {
		log.Printf("Poller: %v", err)
	}
	if err := store.UpsertVehiclePositions(ctx, snapshotID, cycle.PolledAt, vehiclePositions(markers)); err != nil {
		log.Printf("Poller: %v", err)
	}

	delays := p.deps.Reconciler.DelayObservations(snap.Arrivals)
	observations := make([]db.DelayObservation, 0, len(delays))
	for _, d := range delays {
		observations = append(observations, db.DelayObservation{RouteID: d.RouteID, DelaySeconds: d.DelaySeconds})
	}
	if err := store.UpdateDelayStats(ctx, cycle.PolledAt, observations); err != nil {
		log.Printf("Poller: %v", err)
	}

	if _, err := store.Cleanup(ctx, cycle.PolledAt, p.opts.Retention); err != nil {
		log.Printf("Poller: cleanup error: %v", err)
	}
}

func vehiclePositions(markers []progress.Marker) []db.VehiclePosition {
	out := make([]db.VehiclePosition, 0, len(markers))
	for _, m := range markers {
		pos := db.VehiclePosition{
			VehicleKey:  m.ID,
			RouteID:     optional(m.RouteID),
			TripID:      optional(m.TripID),
			Label:       optional(m.Label),
			Status:      optional(m.Status),
			DirectionID: m.DirectionID,
			Latitude:    m.Latitude,
			Longitude:   m.Longitude,
			Bearing:     m.Bearing,
			Progress:    &m.Progress,
		}
		if m.Timestamp > 0 {
			ts := time.Unix(m.Timestamp, 0).UTC()
			pos.VehicleTimestamp = &ts
		}
		out = append(out, pos)
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func skipCounts(s feed.DecodeStats) map[string]int {
	return map[string]int{
		"skipped_stop_time":  s.SkippedStopTimes,
		"unresolved_stop":    s.UnresolvedStops,
		"invalid_epoch":      s.InvalidEpochs,
		"missing_position":   s.MissingPosition,
		"invalid_coordinate": s.InvalidCoordinate,
		"repaired_position":  s.RepairedPosition,
	}
}

func (p *Poller) countCycle(result string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Cycles.WithLabelValues(result).Inc()
	}
}
