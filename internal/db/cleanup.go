package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// retentionTables are purged child-first so snapshot foreign keys never dangle
var retentionTables = []string{
	"rt_vehicle_history",
	"rt_arrival_signals",
	"rt_vehicle_current",
	"rt_snapshots",
}

// Cleanup deletes realtime rows polled before now minus retention, in one transaction.
// Hourly delay statistics and baselines are kept.
func (db *DB) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	retention = max(retention, time.Minute)
	cutoff := formatUTC(now.Add(-retention))

	deleted := 0
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range retentionTables {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE polled_at_utc < ?", cutoff)
			if err != nil {
				return fmt.Errorf("failed to clean up %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		log.Printf("DB: cleanup removed %d rows older than %s", deleted, retention)
	}
	return deleted, nil
}
