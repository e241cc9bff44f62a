// Package store implements components (2), (3), (4), (9), (10) of the
// spec: the embedded SQL connection/schema manager and the RoaStore /
// Pfx2asStore repositories built on top of it.
//
// The store owns a single *sql.DB for the lifetime of the process that
// opened it (mattn/go-sqlite3, WAL journal, NORMAL synchronous — the
// same pragma shape gurre-prime-fix-md-go's MarketDataDb uses). Every
// repository is a short-lived view borrowing that connection; none
// holds its own handle.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/bgpkit/monocle/internal/merr"
)

var resetCounter = metrics.NewCounter("monocle_schema_reset_total")

// Manager is the connection and schema manager of spec §4.2.
type Manager struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the embedded SQL store at path and
// brings its schema up to date, following the drift rules of spec §4.10:
// fresh -> initialize; current -> proceed; stale or newer or corrupted ->
// wipe data tables and reinitialize.
func Open(path string, log zerolog.Logger) (*Manager, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", merr.ErrStorage, path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline: one connection, serialized access

	m := &Manager{db: db, log: log.With().Str("component", "store").Logger()}
	if err := m.reconcileSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// reconcileSchema implements spec §4.10's drift handling.
func (m *Manager) reconcileSchema(ctx context.Context) error {
	drift, err := detectDrift(ctx, m.db)
	if err != nil {
		return fmt.Errorf("%w: detect schema drift: %v", merr.ErrStorage, err)
	}

	switch drift {
	case driftCurrent:
		return nil
	case driftFresh:
		m.log.Debug().Msg("initializing fresh schema")
		if err := initializeSchema(ctx, m.db); err != nil {
			return fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		return m.setSchemaVersion(ctx)
	case driftNeedsUpgrade, driftIncompatible, driftCorrupted:
		m.log.Warn().Str("drift", driftLabel(drift)).Msg("schema drift detected, resetting store")
		resetCounter.Inc()
		if err := resetData(ctx, m.db); err != nil {
			return fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		return m.setSchemaVersion(ctx)
	default:
		return fmt.Errorf("%w: unknown drift state", merr.ErrStorage)
	}
}

func driftLabel(d driftState) string {
	switch d {
	case driftNeedsUpgrade:
		return "needs-upgrade"
	case driftIncompatible:
		return "incompatible"
	case driftCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

func (m *Manager) setSchemaVersion(ctx context.Context) error {
	return m.SetMeta(ctx, "schema_version", fmt.Sprintf("%d", schemaVersion))
}

// Reset wipes every data table and reinitializes the schema. All data
// sources are externally regeneratable, so this is the only migration
// path (spec §4.10, §9).
func (m *Manager) Reset(ctx context.Context) error {
	if err := resetData(ctx, m.db); err != nil {
		return fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return m.setSchemaVersion(ctx)
}

// Close closes the underlying connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetMeta reads a value from the monocle_meta KV table (spec §4.2: the
// only generic interface to the meta table).
func (m *Manager) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM monocle_meta WHERE key = ?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("%w: get meta %s: %v", merr.ErrStorage, key, err)
	}
	return value, true, nil
}

// SetMeta writes a value to the monocle_meta KV table, stamping
// updated_at with the current time.
func (m *Manager) SetMeta(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO monocle_meta (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("%w: set meta %s: %v", merr.ErrStorage, key, err)
	}
	return nil
}

// conn returns the underlying connection for repository views. Only
// package store and its subpackages-by-convention (roa.go, pfx2as.go,
// refresh.go, as2rel.go, asinfo.go) call this; it is not meant to leak
// to callers outside the store package.
func (m *Manager) conn() *sql.DB { return m.db }

// Roa returns a view onto the ROA/ASPA repository.
func (m *Manager) Roa() *RoaStore {
	return &RoaStore{db: m.conn(), log: m.log.With().Str("repo", "roa").Logger()}
}

// Pfx2as returns a view onto the prefix-to-origin repository.
func (m *Manager) Pfx2as() *Pfx2asStore {
	return &Pfx2asStore{db: m.conn(), log: m.log.With().Str("repo", "pfx2as").Logger()}
}

// As2rel returns a view onto the AS-relationship repository.
func (m *Manager) As2rel() *As2relStore {
	return &As2relStore{db: m.conn()}
}

// Asinfo returns a view onto the AS name/country enrichment repository.
func (m *Manager) Asinfo() *AsinfoStore {
	return &AsinfoStore{db: m.conn()}
}
