package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
)

// healthHistoryRetention bounds metrics_health_history
const healthHistoryRetention = 48 * time.Hour

// GetBaseline retrieves the baseline for a route, hour and day, nil when none was learned yet
func (db *DB) GetBaseline(ctx context.Context, routeID string, hour, dayOfWeek int) (*metrics.RouteBaseline, error) {
	var b metrics.RouteBaseline
	err := db.conn.QueryRowContext(ctx, `
		SELECT route_id, hour_of_day, day_of_week, vehicle_count_mean, vehicle_count_stddev, sample_count
		FROM metrics_baselines
		WHERE route_id = ? AND hour_of_day = ? AND day_of_week = ?
	`, routeID, hour, dayOfWeek).Scan(
		&b.RouteID,
		&b.HourOfDay,
		&b.DayOfWeek,
		&b.VehicleCountMean,
		&b.VehicleCountStdDev,
		&b.SampleCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveBaseline upserts a baseline record
func (db *DB) SaveBaseline(ctx context.Context, b metrics.RouteBaseline) error {
	return db.exec(ctx, `
		INSERT INTO metrics_baselines (route_id, hour_of_day, day_of_week, vehicle_count_mean, vehicle_count_stddev, sample_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (route_id, hour_of_day, day_of_week) DO UPDATE SET
			vehicle_count_mean = excluded.vehicle_count_mean,
			vehicle_count_stddev = excluded.vehicle_count_stddev,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at
	`,
		b.RouteID,
		b.HourOfDay,
		b.DayOfWeek,
		b.VehicleCountMean,
		b.VehicleCountStdDev,
		b.SampleCount,
		formatUTC(time.Now()),
	)
}

// RecordHealthStatus records a health status snapshot for uptime tracking
func (db *DB) RecordHealthStatus(ctx context.Context, status metrics.HealthStatus) error {
	return db.exec(ctx, `
		INSERT INTO metrics_health_history (recorded_at, route_id, health_score, status, vehicle_count)
		VALUES (?, ?, ?, ?, ?)
	`, formatUTC(time.Now()), status.RouteID, status.HealthScore, status.Status, status.VehicleCount)
}

// LatestHealth returns the most recent status recorded for each route
func (db *DB) LatestHealth(ctx context.Context) ([]metrics.HealthStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT h.route_id, h.health_score, h.status, h.vehicle_count
		FROM metrics_health_history h
		JOIN (SELECT route_id, MAX(id) AS id FROM metrics_health_history GROUP BY route_id) latest
			ON latest.id = h.id
		ORDER BY h.route_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metrics.HealthStatus
	for rows.Next() {
		var st metrics.HealthStatus
		if err := rows.Scan(&st.RouteID, &st.HealthScore, &st.Status, &st.VehicleCount); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CleanupHealthHistory removes health history older than 48 hours
func (db *DB) CleanupHealthHistory(ctx context.Context) error {
	return db.exec(ctx,
		"DELETE FROM metrics_health_history WHERE recorded_at < ?",
		formatUTC(time.Now().Add(-healthHistoryRetention)),
	)
}
