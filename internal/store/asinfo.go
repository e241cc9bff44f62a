package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bgpkit/monocle/internal/merr"
)

// AsinfoRecord is an AS-name/country/org enrichment row, the "AS-name
// enrichment dataset" spec.md §1 keeps as an external lookup service —
// monocle's local cache of it, populated the same way ROA/ASPA/pfx2as
// snapshots are (spec §4.9's asinfo TTL).
type AsinfoRecord struct {
	ASN     uint32
	Name    string
	Country string
	Org     string
}

// AsinfoStore is a thin repository over the asinfo table.
type AsinfoStore struct {
	db *sql.DB
}

// NeedsRefresh reports whether the AS-name enrichment cache is stale. It
// shares pfx2as_meta's freshness row, the same simplification
// As2relStore.NeedsRefresh makes (see DESIGN.md): asinfo has no
// dedicated meta singleton of its own.
func (s *AsinfoStore) NeedsRefresh(ctx context.Context, ttl time.Duration) (bool, error) {
	return needsRefresh(ctx, s.db, "pfx2as_meta", ttl)
}

// Store replaces every asinfo row.
func (s *AsinfoStore) Store(ctx context.Context, records []AsinfoRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", merr.ErrStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM asinfo`); err != nil {
		return fmt.Errorf("%w: clear asinfo: %v", merr.ErrStorage, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO asinfo (asn, name, country, org) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", merr.ErrStorage, err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err = stmt.ExecContext(ctx, r.ASN, r.Name, r.Country, r.Org); err != nil {
			return fmt.Errorf("%w: insert asinfo: %v", merr.ErrStorage, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", merr.ErrStorage, err)
	}
	return nil
}

// Get returns the enrichment record for asn, if cached.
func (s *AsinfoStore) Get(ctx context.Context, asn uint32) (AsinfoRecord, bool, error) {
	var r AsinfoRecord
	err := s.db.QueryRowContext(ctx, `SELECT asn, name, country, org FROM asinfo WHERE asn = ?`, asn).
		Scan(&r.ASN, &r.Name, &r.Country, &r.Org)
	switch {
	case err == sql.ErrNoRows:
		return AsinfoRecord{}, false, nil
	case err != nil:
		return AsinfoRecord{}, false, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return r, true, nil
}
