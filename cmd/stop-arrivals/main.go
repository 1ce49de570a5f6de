// Command stop-arrivals prints the upcoming arrivals and today's trips for one stop.
//
//	stop-arrivals -stop 71801 [-mode offline] [-upcoming]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/arrivals"
	"github.com/mini-rodalies-3d/transitsync/internal/config"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
	"github.com/mini-rodalies-3d/transitsync/internal/static/gtfs"
	"github.com/mini-rodalies-3d/transitsync/internal/triplookup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	stopID := flag.String("stop", "", "GTFS stop id (required)")
	modeFlag := flag.String("mode", "online", "online or offline")
	zipPath := flag.String("zip", cfg.GTFSZipPath, "path to the GTFS static zip")
	upcomingOnly := flag.Bool("upcoming", false, "skip the list of every trip serving the stop today")
	flag.Parse()

	if *stopID == "" {
		flag.Usage()
		os.Exit(2)
	}
	mode, err := arrivals.ParseMode(*modeFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	data, err := gtfs.Parse(*zipPath)
	if err != nil {
		log.Fatalf("Failed to load GTFS schedule: %v", err)
	}
	schedule := gtfs.NewSchedule(data, cfg.Location())
	if _, ok := schedule.Stop(*stopID); !ok && len(schedule.StopTimesForStop(*stopID)) == 0 {
		log.Printf("Warning: stop %s is not in the static schedule", *stopID)
	}

	reconciler := arrivals.NewReconciler(schedule, triplookup.NewIndex(schedule), arrivals.Options{
		StaticWindow:         cfg.StaticWindow,
		RealtimeWindow:       cfg.RealtimeWindow,
		FallbackMaxDeviation: cfg.FallbackMaxDeviation,
	})

	feedEpoch := time.Now().Unix()
	if mode == arrivals.ModeOnline {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		snap, err := feed.NewClient(feed.NewDecoder(schedule)).Fetch(ctx, cfg.GTFSTripUpdatesURL)
		cancel()
		if err != nil {
			log.Printf("Warning: trip updates unavailable, showing the schedule only: %v", err)
		} else {
			reconciler.UpdateRealtimeArrivals(snap.Arrivals)
			if snap.FeedEpoch > 0 {
				feedEpoch = snap.FeedEpoch
			}
			log.Printf("Decoded %d arrival records (%d skipped stop times)", len(snap.Arrivals), snap.Stats.SkippedStopTimes)
		}
	}

	fmt.Printf("Arrivals at %s (%s, feed %s)\n", *stopID, mode,
		time.Unix(feedEpoch, 0).In(schedule.Location()).Format("2006-01-02 15:04:05"))
	for _, line := range reconciler.ComputeArrivalsForStop(*stopID, mode, feedEpoch) {
		fmt.Println("  " + line)
	}

	if !*upcomingOnly {
		trips := reconciler.GetAllTripsForStopToday(*stopID, mode, feedEpoch)
		fmt.Printf("\nAll trips today (%d)\n", len(trips))
		for _, a := range trips {
			fmt.Println("  " + arrivals.FormatTrip(a))
		}
	}
}
