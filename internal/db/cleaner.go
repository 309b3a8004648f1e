package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartSoftDeleteCleaner purges destroyed vault records older than
// retention every interval.
func StartSoftDeleteCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	runPeriodically(ctx, interval, func() {
		cutoff := time.Now().Add(-retention)
		res, err := db.ExecContext(ctx, `
            DELETE FROM vaults
             WHERE deleted = true
               AND deleted_at < $1
        `, cutoff)
		if err != nil {
			log.Error("failed to clean soft-deleted vaults", zap.Error(err))
			return
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			log.Info("cleaned soft-deleted vaults", zap.Int64("removed", rows))
		}
	})
}

// StartExpiredLockCleaner drops vault lock rows whose lease ran out. Expired
// rows are reclaimable anyway; this only keeps the table small.
func StartExpiredLockCleaner(ctx context.Context, db *sql.DB, interval time.Duration, log *zap.Logger) {
	runPeriodically(ctx, interval, func() {
		res, err := db.ExecContext(ctx, `DELETE FROM vault_locks WHERE expires_at < $1`, time.Now())
		if err != nil {
			log.Error("failed to clean expired vault locks", zap.Error(err))
			return
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			log.Debug("cleaned expired vault locks", zap.Int64("removed", rows))
		}
	})
}

func runPeriodically(ctx context.Context, interval time.Duration, job func()) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job()
			}
		}
	}()
}
