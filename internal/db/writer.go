package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mini-rodalies-3d/transitsync/internal/realtime/feed"
)

// CreateSnapshot creates a new snapshot record and returns its ID
func (db *DB) CreateSnapshot(ctx context.Context, polledAt time.Time, feedEpoch int64, arrivals, vehicles int) (string, error) {
	snapshotID := uuid.New().String()

	err := db.exec(ctx,
		`INSERT INTO rt_snapshots (snapshot_id, polled_at_utc, feed_epoch, arrival_count, vehicle_count)
		VALUES (?, ?, ?, ?, ?)`,
		snapshotID, formatUTC(polledAt), feedEpoch, arrivals, vehicles,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}

	return snapshotID, nil
}

// InsertArrivalSignals stores the decoded arrival records of a snapshot
func (db *DB) InsertArrivalSignals(ctx context.Context, snapshotID string, polledAt time.Time, records []feed.ArrivalRecord) error {
	if len(records) == 0 {
		return nil
	}
	polled := formatUTC(polledAt)

	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO rt_arrival_signals (
				snapshot_id, trip_id, route_id, stop_id, arrival_epoch, polled_at_utc
			) VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare arrival statement: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, snapshotID, r.TripID, r.RouteID, r.StopID, r.ArrivalEpoch, polled); err != nil {
				return fmt.Errorf("failed to insert arrival %s@%s: %w", r.TripID, r.StopID, err)
			}
		}
		return nil
	})
}

// VehiclePosition is a projected vehicle for database insertion
type VehiclePosition struct {
	VehicleKey       string
	TripID           *string
	RouteID          *string
	DirectionID      int
	Label            *string
	Latitude         float64
	Longitude        float64
	Bearing          *float64
	Progress         *float64
	Status           *string
	VehicleTimestamp *time.Time
}

// UpsertVehiclePositions updates the current table and appends history for a snapshot
func (db *DB) UpsertVehiclePositions(ctx context.Context, snapshotID string, polledAt time.Time, positions []VehiclePosition) error {
	if len(positions) == 0 {
		return nil
	}

	polled := formatUTC(polledAt)

	return db.inTx(ctx, func(tx *sql.Tx) error {
		current, err := tx.PrepareContext(ctx, upsertCurrentSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare current statement: %w", err)
		}
		defer current.Close()

		history, err := tx.PrepareContext(ctx, insertHistorySQL)
		if err != nil {
			return fmt.Errorf("failed to prepare history statement: %w", err)
		}
		defer history.Close()

		for _, p := range positions {
			var seenAt *string
			if p.VehicleTimestamp != nil {
				ts := formatUTC(*p.VehicleTimestamp)
				seenAt = &ts
			}

			if _, err := current.ExecContext(ctx,
				p.VehicleKey, snapshotID, p.TripID, p.RouteID, p.DirectionID, p.Label,
				p.Latitude, p.Longitude, p.Bearing, p.Progress, p.Status, seenAt, polled,
			); err != nil {
				return fmt.Errorf("failed to upsert position %s: %w", p.VehicleKey, err)
			}
			if _, err := history.ExecContext(ctx,
				p.VehicleKey, snapshotID, p.TripID, p.RouteID, p.DirectionID,
				p.Latitude, p.Longitude, p.Bearing, p.Progress, p.Status, polled,
			); err != nil {
				return fmt.Errorf("failed to insert history %s: %w", p.VehicleKey, err)
			}
		}
		return nil
	})
}

const upsertCurrentSQL = `
	INSERT INTO rt_vehicle_current (
		vehicle_key, snapshot_id, trip_id, route_id, direction_id, label,
		latitude, longitude, bearing, progress, status, vehicle_timestamp_utc,
		polled_at_utc, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
	ON CONFLICT (vehicle_key) DO UPDATE SET
		snapshot_id = excluded.snapshot_id,
		trip_id = excluded.trip_id,
		route_id = excluded.route_id,
		direction_id = excluded.direction_id,
		label = excluded.label,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		bearing = excluded.bearing,
		progress = excluded.progress,
		status = excluded.status,
		vehicle_timestamp_utc = excluded.vehicle_timestamp_utc,
		polled_at_utc = excluded.polled_at_utc,
		updated_at = datetime('now')`

const insertHistorySQL = `
	INSERT OR IGNORE INTO rt_vehicle_history (
		vehicle_key, snapshot_id, trip_id, route_id, direction_id,
		latitude, longitude, bearing, progress, status, polled_at_utc
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CurrentVehicles returns the last known position of every vehicle on a route,
// or of all vehicles when routeID is empty
func (db *DB) CurrentVehicles(ctx context.Context, routeID string) ([]VehiclePosition, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT vehicle_key, trip_id, route_id, direction_id, label,
			latitude, longitude, bearing, progress, status, vehicle_timestamp_utc
		FROM rt_vehicle_current
		WHERE ? = '' OR route_id = ?
		ORDER BY vehicle_key
	`, routeID, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()

	var out []VehiclePosition
	for rows.Next() {
		var p VehiclePosition
		var vehicleTS *string
		if err := rows.Scan(&p.VehicleKey, &p.TripID, &p.RouteID, &p.DirectionID, &p.Label,
			&p.Latitude, &p.Longitude, &p.Bearing, &p.Progress, &p.Status, &vehicleTS); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		if vehicleTS != nil {
			if ts, err := time.Parse(time.RFC3339, *vehicleTS); err == nil {
				p.VehicleTimestamp = &ts
			}
		}
		out = append(out, p)
	}

	return out, rows.Err()
}
