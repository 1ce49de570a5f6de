package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mini-rodalies-3d/transitsync/internal/metrics"
)

// DelayThresholdSeconds is the threshold for a train to be considered "delayed" (5 minutes)
const DelayThresholdSeconds = 300

// DelayObservation represents a single delay measurement for a route
type DelayObservation struct {
	RouteID      string
	DelaySeconds int
}

// HourlyDelay is one aggregated hour of delays for a route
type HourlyDelay struct {
	RouteID          string  `json:"routeId"`
	HourBucket       string  `json:"hourBucket"`
	Observations     int     `json:"observations"`
	MeanDelaySeconds float64 `json:"meanDelaySeconds"`
	StdDevSeconds    float64 `json:"stdDevSeconds"`
	DelayedCount     int     `json:"delayedCount"`
	OnTimeCount      int     `json:"onTimeCount"`
	MaxDelaySeconds  int     `json:"maxDelaySeconds"`
}

// delayBucket is one route-hour row of stats_delay_hourly
type delayBucket struct {
	welford metrics.WelfordState
	delayed int
	onTime  int
	maxAbs  int
}

func (b *delayBucket) add(delaySeconds int) {
	b.welford.Update(float64(delaySeconds))
	abs := delaySeconds
	if abs < 0 {
		abs = -abs
	}
	if abs > DelayThresholdSeconds {
		b.delayed++
	} else {
		b.onTime++
	}
	b.maxAbs = max(b.maxAbs, abs)
}

// UpdateDelayStats folds observations into the hour bucket containing at
func (db *DB) UpdateDelayStats(ctx context.Context, at time.Time, observations []DelayObservation) error {
	byRoute := make(map[string][]int)
	for _, obs := range observations {
		if obs.RouteID != "" {
			byRoute[obs.RouteID] = append(byRoute[obs.RouteID], obs.DelaySeconds)
		}
	}
	if len(byRoute) == 0 {
		return nil
	}
	hour := formatUTC(at.UTC().Truncate(time.Hour))

	return db.inTx(ctx, func(tx *sql.Tx) error {
		for routeID, delays := range byRoute {
			b, err := loadDelayBucket(ctx, tx, routeID, hour)
			if err != nil {
				return err
			}
			for _, d := range delays {
				b.add(d)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stats_delay_hourly (route_id, hour_bucket, observation_count,
					delay_mean_seconds, delay_m2, delayed_count, on_time_count, max_delay_seconds)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (route_id, hour_bucket) DO UPDATE SET
					observation_count = excluded.observation_count,
					delay_mean_seconds = excluded.delay_mean_seconds,
					delay_m2 = excluded.delay_m2,
					delayed_count = excluded.delayed_count,
					on_time_count = excluded.on_time_count,
					max_delay_seconds = excluded.max_delay_seconds
			`, routeID, hour, b.welford.Count, b.welford.Mean, b.welford.M2, b.delayed, b.onTime, b.maxAbs); err != nil {
				return fmt.Errorf("failed to upsert delay stats for %s: %w", routeID, err)
			}
		}
		return nil
	})
}

func loadDelayBucket(ctx context.Context, tx *sql.Tx, routeID, hour string) (*delayBucket, error) {
	var count int
	var mean, m2 float64
	b := &delayBucket{}
	err := tx.QueryRowContext(ctx, `
		SELECT observation_count, delay_mean_seconds, delay_m2,
			delayed_count, on_time_count, max_delay_seconds
		FROM stats_delay_hourly
		WHERE route_id = ? AND hour_bucket = ?
	`, routeID, hour).Scan(&count, &mean, &m2, &b.delayed, &b.onTime, &b.maxAbs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read delay stats for %s: %w", routeID, err)
	}
	b.welford = *metrics.RestoreWelford(count, mean, m2)
	return b, nil
}

// DelayStats returns the hourly buckets for a route starting at or after since, oldest first
func (db *DB) DelayStats(ctx context.Context, routeID string, since time.Time) ([]HourlyDelay, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT route_id, hour_bucket, observation_count, delay_mean_seconds, delay_m2,
			delayed_count, on_time_count, max_delay_seconds
		FROM stats_delay_hourly
		WHERE route_id = ? AND hour_bucket >= ?
		ORDER BY hour_bucket
	`, routeID, formatUTC(since.UTC().Truncate(time.Hour)))
	if err != nil {
		return nil, fmt.Errorf("failed to query delay stats: %w", err)
	}
	defer rows.Close()

	out := []HourlyDelay{}
	for rows.Next() {
		var h HourlyDelay
		var m2 float64
		if err := rows.Scan(&h.RouteID, &h.HourBucket, &h.Observations, &h.MeanDelaySeconds, &m2,
			&h.DelayedCount, &h.OnTimeCount, &h.MaxDelaySeconds); err != nil {
			return nil, fmt.Errorf("failed to scan delay stats: %w", err)
		}
		h.StdDevSeconds = metrics.RestoreWelford(h.Observations, h.MeanDelaySeconds, m2).StdDev()
		out = append(out, h)
	}

	return out, rows.Err()
}
