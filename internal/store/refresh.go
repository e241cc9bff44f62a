package store

import (
	"context"
	"database/sql"
	"time"
)

// Default TTLs per dataset, spec §4.9.
const (
	DefaultRoaTTL    = 24 * time.Hour
	DefaultAspaTTL   = 24 * time.Hour
	DefaultPfx2asTTL = 24 * time.Hour
	DefaultAs2relTTL = 7 * 24 * time.Hour
	DefaultAsinfoTTL = 24 * time.Hour
)

// needsRefresh implements spec §4.9: true when the meta row for
// metaTable is absent (empty cache) or now-updated_at exceeds ttl.
// A ttl of 0 always reports stale; a negative ttl (used for date-pinned,
// historical caches) always reports fresh.
func needsRefresh(ctx context.Context, db *sql.DB, metaTable string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, nil // historical / date-pinned cache never expires
	}

	var updatedAt sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT updated_at FROM `+metaTable+` WHERE id = 1`).Scan(&updatedAt)
	switch {
	case err == sql.ErrNoRows, !updatedAt.Valid:
		return true, nil
	case err != nil:
		return true, err
	}

	age := time.Since(time.Unix(updatedAt.Int64, 0))
	return age > ttl, nil
}
