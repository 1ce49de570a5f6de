package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/api"
	"github.com/mini-rodalies-3d/transitsync/internal/arrivals"
	"github.com/mini-rodalies-3d/transitsync/internal/config"
	"github.com/mini-rodalies-3d/transitsync/internal/db"
	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
	"github.com/mini-rodalies-3d/transitsync/internal/progress"
	"github.com/mini-rodalies-3d/transitsync/internal/publisher"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/poller"
	"github.com/mini-rodalies-3d/transitsync/internal/static"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
	"github.com/mini-rodalies-3d/transitsync/internal/tracker"
	"github.com/mini-rodalies-3d/transitsync/internal/triplookup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("Starting transit sync service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Config loaded: poll_interval=%v, retention=%v, timezone=%s",
		cfg.PollInterval, cfg.RetentionDuration, cfg.AgencyTimezone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Static schedule
	// ═══════════════════════════════════════════════════════
	log.Println("Checking static data freshness...")
	if _, err := static.RefreshIfStale(ctx, cfg); err != nil {
		log.Printf("Warning: static data refresh failed: %v", err)
	}

	data, err := gtfs.Parse(cfg.GTFSZipPath)
	if err != nil {
		log.Fatalf("Failed to load GTFS schedule: %v", err)
	}
	schedule := gtfs.NewSchedule(data, cfg.Location())
	log.Printf("Schedule loaded: %d routes, %d stops, %d trips, %d stop times",
		len(data.Routes), len(data.Stops), len(data.Trips), len(data.StopTimes))

	trips := triplookup.NewIndex(schedule)
	reconciler := arrivals.NewReconciler(schedule, trips, arrivals.Options{
		StaticWindow:         cfg.StaticWindow,
		RealtimeWindow:       cfg.RealtimeWindow,
		FallbackMaxDeviation: cfg.FallbackMaxDeviation,
	})
	projector := progress.NewProjector(schedule, trips)

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Database and fan-out
	// ═══════════════════════════════════════════════════════
	database, err := db.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}
	log.Println("Database initialized")

	collector := metrics.NewCollector(cfg.PollInterval)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = collector.Serve(cfg.MetricsAddr)
	}

	deps := poller.Deps{
		Fetcher:    feed.NewClient(feed.NewDecoder(schedule)),
		Reconciler: reconciler,
		Projector:  projector,
		Routes:     schedule,
		Tracker:    tracker.New(projector),
		Store:      database,
		Health:     metrics.NewBaselineLearner(database),
		Metrics:    collector,
	}

	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, collector)
		if err != nil {
			log.Printf("Warning: NATS unavailable, markers will not be published: %v", err)
		} else {
			defer pub.Close()
			deps.Publisher = pub
		}
	}

	// the hub reads the poller's latest cycle, which exists only after New
	var p *poller.Poller
	hub := api.NewHub(func() *poller.Cycle { return p.Latest() }, collector)
	deps.Hub = hub
	p = poller.New(deps, poller.Options{
		TripUpdatesURL:      cfg.GTFSTripUpdatesURL,
		VehiclePositionsURL: cfg.GTFSVehiclePositionsURL,
		Retention:           cfg.RetentionDuration,
	})

	// ═══════════════════════════════════════════════════════
	// PHASE 3: HTTP API
	// ═══════════════════════════════════════════════════════
	handler := api.NewHandler(reconciler, p, schedule, database)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, hub, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("API: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API: server error: %v", err)
		}
	}()

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Polling loops
	// ═══════════════════════════════════════════════════════
	go p.Run(ctx, cfg.PollInterval)

	// Daily static data freshness check. A new zip is picked up on the next restart.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				log.Println("Running daily static data freshness check...")
				refreshed, err := static.RefreshIfStale(ctx, cfg)
				if err != nil {
					log.Printf("Daily refresh failed: %v", err)
				} else if refreshed {
					log.Println("Static data refreshed; restart to load the new schedule")
				}
			case <-ctx.Done():
				log.Println("Static refresh loop stopped")
				return
			}
		}
	}()

	log.Printf("Poller running (poll every %v, retain %v)", cfg.PollInterval, cfg.RetentionDuration)

	// ═══════════════════════════════════════════════════════
	// PHASE 5: Graceful shutdown
	// ═══════════════════════════════════════════════════════
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API: shutdown error: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics: shutdown error: %v", err)
		}
	}
	hub.Close()
	log.Println("Goodbye!")
}
