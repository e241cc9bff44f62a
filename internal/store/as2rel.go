package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bgpkit/monocle/internal/merr"
)

// Relationship is an inferred business relationship between two ASNs,
// the supplemental domain-stack table noted in SPEC_FULL.md §5.2.
type Relationship struct {
	ASN1         uint32
	ASN2         uint32
	Relationship string // "p2c", "p2p", or "c2p"
}

// As2relStore is a thin repository over the as2rel table.
type As2relStore struct {
	db *sql.DB
}

// NeedsRefresh reports whether the AS-relationship cache is stale. It
// shares pfx2as_meta's freshness row: as2rel has no dedicated meta
// singleton of its own (see DESIGN.md).
func (s *As2relStore) NeedsRefresh(ctx context.Context, ttl time.Duration) (bool, error) {
	return needsRefresh(ctx, s.db, "pfx2as_meta", ttl)
}

// Store atomically replaces the as2rel table.
func (s *As2relStore) Store(ctx context.Context, rels []Relationship) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", merr.ErrStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM as2rel`); err != nil {
		return fmt.Errorf("%w: clear as2rel: %v", merr.ErrStorage, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO as2rel (asn1, asn2, relationship) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", merr.ErrStorage, err)
	}
	defer stmt.Close()

	for _, r := range rels {
		if _, err = stmt.ExecContext(ctx, r.ASN1, r.ASN2, r.Relationship); err != nil {
			return fmt.Errorf("%w: insert as2rel: %v", merr.ErrStorage, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", merr.ErrStorage, err)
	}
	return nil
}

// GetByASN returns every relationship row touching asn (as either side).
func (s *As2relStore) GetByASN(ctx context.Context, asn uint32) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asn1, asn2, relationship FROM as2rel WHERE asn1 = ? OR asn2 = ?
	`, asn, asn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	defer rows.Close()
	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ASN1, &r.ASN2, &r.Relationship); err != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
