package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is the compiled schema version. Bumping it on the next
// release causes every existing cache file to be wiped and rebuilt, since
// every dataset here is externally regeneratable (spec §4.10).
const schemaVersion = 1

// driftState is the outcome of comparing a store's persisted
// schema_version against schemaVersion.
type driftState int

const (
	driftCurrent      driftState = iota // schema_version == schemaVersion
	driftFresh                          // monocle_meta has no schema_version row yet
	driftNeedsUpgrade                   // schema_version < schemaVersion
	driftIncompatible                   // schema_version > schemaVersion
	driftCorrupted                      // some required table is missing
)

// requiredTables lists every table §6.1 requires; used to detect a
// corrupted store (present meta, but a data table missing).
var requiredTables = []string{
	"monocle_meta",
	"rpki_roa",
	"rpki_aspa",
	"rpki_meta",
	"pfx2as",
	"pfx2as_meta",
	"as2rel",
	"asinfo",
}

const ddlMeta = `CREATE TABLE IF NOT EXISTS monocle_meta (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at INTEGER
)`

const ddlRoa = `CREATE TABLE IF NOT EXISTS rpki_roa (
	prefix_start BLOB(16) NOT NULL,
	prefix_end   BLOB(16) NOT NULL,
	prefix_length INTEGER NOT NULL,
	max_length   INTEGER NOT NULL,
	origin_asn   INTEGER NOT NULL,
	ta           TEXT NOT NULL DEFAULT '',
	prefix_str   TEXT NOT NULL
)`

const ddlRoaIdxRange = `CREATE INDEX IF NOT EXISTS idx_rpki_roa_range ON rpki_roa(prefix_start, prefix_end)`
const ddlRoaIdxAsn = `CREATE INDEX IF NOT EXISTS idx_rpki_roa_asn ON rpki_roa(origin_asn)`

const ddlAspa = `CREATE TABLE IF NOT EXISTS rpki_aspa (
	customer_asn INTEGER NOT NULL,
	provider_asn INTEGER NOT NULL
)`
const ddlAspaIdxCustomer = `CREATE INDEX IF NOT EXISTS idx_rpki_aspa_customer ON rpki_aspa(customer_asn)`
const ddlAspaIdxProvider = `CREATE INDEX IF NOT EXISTS idx_rpki_aspa_provider ON rpki_aspa(provider_asn)`

const ddlRoaMeta = `CREATE TABLE IF NOT EXISTS rpki_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	updated_at INTEGER NOT NULL DEFAULT 0,
	roa_count INTEGER NOT NULL DEFAULT 0,
	aspa_count INTEGER NOT NULL DEFAULT 0,
	roa_source TEXT NOT NULL DEFAULT '',
	aspa_source TEXT NOT NULL DEFAULT ''
)`

const ddlPfx2as = `CREATE TABLE IF NOT EXISTS pfx2as (
	prefix_start BLOB(16) NOT NULL,
	prefix_end   BLOB(16) NOT NULL,
	prefix_length INTEGER NOT NULL,
	origin_asn   INTEGER NOT NULL,
	prefix_str   TEXT NOT NULL,
	validation   TEXT NOT NULL DEFAULT 'unknown'
)`
const ddlPfx2asIdxRange = `CREATE INDEX IF NOT EXISTS idx_pfx2as_range ON pfx2as(prefix_start, prefix_end)`
const ddlPfx2asIdxAsn = `CREATE INDEX IF NOT EXISTS idx_pfx2as_asn ON pfx2as(origin_asn)`

const ddlPfx2asMeta = `CREATE TABLE IF NOT EXISTS pfx2as_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	updated_at INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	prefix_count INTEGER NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0
)`

// as2rel / asinfo: the supplemental domain-stack tables noted in
// SPEC_FULL.md §5.2 — kept minimal, the schema manager's responsibility
// per spec.md §4.2's repository list, but not detailed further there.
const ddlAs2rel = `CREATE TABLE IF NOT EXISTS as2rel (
	asn1 INTEGER NOT NULL,
	asn2 INTEGER NOT NULL,
	relationship TEXT NOT NULL
)`
const ddlAs2relIdx1 = `CREATE INDEX IF NOT EXISTS idx_as2rel_asn1 ON as2rel(asn1)`
const ddlAs2relIdx2 = `CREATE INDEX IF NOT EXISTS idx_as2rel_asn2 ON as2rel(asn2)`

const ddlAsinfo = `CREATE TABLE IF NOT EXISTS asinfo (
	asn INTEGER PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	org TEXT NOT NULL DEFAULT ''
)`

var createStatements = []string{
	ddlMeta,
	ddlRoa, ddlRoaIdxRange, ddlRoaIdxAsn,
	ddlAspa, ddlAspaIdxCustomer, ddlAspaIdxProvider,
	ddlRoaMeta,
	ddlPfx2as, ddlPfx2asIdxRange, ddlPfx2asIdxAsn,
	ddlPfx2asMeta,
	ddlAs2rel, ddlAs2relIdx1, ddlAs2relIdx2,
	ddlAsinfo,
}

var dataTables = []string{
	"rpki_roa", "rpki_aspa", "rpki_meta",
	"pfx2as", "pfx2as_meta",
	"as2rel", "asinfo",
}

// detectDrift compares the persisted schema_version against schemaVersion
// and checks for missing required tables, per spec §4.10.
func detectDrift(ctx context.Context, db *sql.DB) (driftState, error) {
	has, err := tableExists(ctx, db, "monocle_meta")
	if err != nil {
		return 0, err
	}
	if !has {
		return driftFresh, nil
	}

	for _, t := range requiredTables {
		ok, err := tableExists(ctx, db, t)
		if err != nil {
			return 0, err
		}
		if !ok {
			return driftCorrupted, nil
		}
	}

	var raw sql.NullString
	err = db.QueryRowContext(ctx, `SELECT value FROM monocle_meta WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case err == sql.ErrNoRows || !raw.Valid:
		return driftFresh, nil
	case err != nil:
		return 0, err
	}

	var version int
	if _, err := fmt.Sscanf(raw.String, "%d", &version); err != nil {
		return driftCorrupted, nil
	}

	switch {
	case version == schemaVersion:
		return driftCurrent, nil
	case version < schemaVersion:
		return driftNeedsUpgrade, nil
	default:
		return driftIncompatible, nil
	}
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// initializeSchema applies every idempotent DDL statement.
func initializeSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// resetData drops and recreates every data table, leaving monocle_meta's
// own rows (other than schema_version, rewritten by the caller) alone.
// This is the only migration strategy: every dataset is externally
// regeneratable, so reset-and-rebuild replaces incremental migration.
func resetData(ctx context.Context, db *sql.DB) error {
	for _, t := range dataTables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t)); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
	}
	if err := initializeSchema(ctx, db); err != nil {
		return err
	}
	return nil
}
