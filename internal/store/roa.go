package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bgpkit/monocle/internal/merr"
	"github.com/bgpkit/monocle/internal/prefix"
)

// Roa is a single Route Origin Authorization (spec §3.1).
type Roa struct {
	Prefix    prefix.Range
	MaxLength uint8
	OriginASN uint32
	TA        string
}

// Aspa is the read-time aggregated form of an AS Provider Authorization:
// one customer ASN with its full ordered set of authorized providers.
// Storage is one row per (customer, provider) pair (spec §3.1).
type Aspa struct {
	Customer  uint32
	Providers []uint32
}

// Validity is the outcome of RFC 6811 origin validation (spec §4.5).
type Validity int

const (
	NotFound Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "not-found"
	}
}

// ValidationResult carries the outcome plus the covering ROAs and a
// human-readable reason, so a caller can render why validation went the
// way it did (spec §4.5).
type ValidationResult struct {
	Result   Validity
	Covering []Roa
	Reason   string
}

// RoaStore is the repository view of spec §4.3.
type RoaStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NeedsRefresh reports whether the ROA/ASPA cache is empty or older than
// ttl (spec §4.9). Use a negative ttl for a date-pinned historical cache.
func (s *RoaStore) NeedsRefresh(ctx context.Context, ttl time.Duration) (bool, error) {
	return needsRefresh(ctx, s.db, "rpki_meta", ttl)
}

// Store atomically replaces the ROA and ASPA tables: clear existing rows,
// bulk-insert the new rows under one transaction with relaxed durability
// (synchronous off, memory journal), then restore safe pragmas. Rewrites
// the rpki_meta row. Failure during the bulk insert rolls back to the
// previously valid snapshot — never a half-loaded state (spec §4.3, §8.6).
func (s *RoaStore) Store(ctx context.Context, roas []Roa, aspas []Aspa, roaSource, aspaSource string) (err error) {
	if _, execErr := s.db.ExecContext(ctx, `PRAGMA synchronous = OFF`); execErr != nil {
		return fmt.Errorf("%w: relax durability: %v", merr.ErrStorage, execErr)
	}
	if _, execErr := s.db.ExecContext(ctx, `PRAGMA journal_mode = MEMORY`); execErr != nil {
		return fmt.Errorf("%w: relax durability: %v", merr.ErrStorage, execErr)
	}
	defer func() {
		// restore safe pragmas regardless of outcome
		_, _ = s.db.ExecContext(ctx, `PRAGMA synchronous = NORMAL`)
		_, _ = s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", merr.ErrStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM rpki_roa`); err != nil {
		return fmt.Errorf("%w: clear roas: %v", merr.ErrStorage, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM rpki_aspa`); err != nil {
		return fmt.Errorf("%w: clear aspas: %v", merr.ErrStorage, err)
	}

	roaStmt, err := tx.PrepareContext(ctx, `INSERT INTO rpki_roa
		(prefix_start, prefix_end, prefix_length, max_length, origin_asn, ta, prefix_str)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare roa insert: %v", merr.ErrStorage, err)
	}
	defer roaStmt.Close()

	for _, r := range roas {
		if _, err = roaStmt.ExecContext(ctx,
			r.Prefix.Start[:], r.Prefix.End[:], r.Prefix.Length, r.MaxLength, r.OriginASN, r.TA, prefix.Decode(r.Prefix)); err != nil {
			return fmt.Errorf("%w: insert roa: %v", merr.ErrStorage, err)
		}
	}

	aspaStmt, err := tx.PrepareContext(ctx, `INSERT INTO rpki_aspa (customer_asn, provider_asn) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare aspa insert: %v", merr.ErrStorage, err)
	}
	defer aspaStmt.Close()

	for _, a := range aspas {
		for _, provider := range a.Providers {
			if _, err = aspaStmt.ExecContext(ctx, a.Customer, provider); err != nil {
				return fmt.Errorf("%w: insert aspa: %v", merr.ErrStorage, err)
			}
		}
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO rpki_meta (id, updated_at, roa_count, aspa_count, roa_source, aspa_source)
		VALUES (1, strftime('%s','now'), ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			roa_count = excluded.roa_count,
			aspa_count = excluded.aspa_count,
			roa_source = excluded.roa_source,
			aspa_source = excluded.aspa_source
	`, len(roas), len(aspas), roaSource, aspaSource); err != nil {
		return fmt.Errorf("%w: write meta: %v", merr.ErrStorage, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", merr.ErrStorage, err)
	}

	s.log.Info().Int("roas", len(roas)).Int("aspas", len(aspas)).Msg("stored ROA/ASPA snapshot")
	return nil
}

// IsEmpty reports whether the ROA table has any rows.
func (s *RoaStore) IsEmpty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM rpki_roa`).Scan(&n); err != nil {
		return true, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return n == 0, nil
}

// RoaCount returns the number of stored ROAs.
func (s *RoaStore) RoaCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM rpki_roa`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return n, nil
}

// scanRoas reads every row from a *sql.Rows of the rpki_roa column list.
func scanRoas(rows *sql.Rows) ([]Roa, error) {
	defer rows.Close()
	var out []Roa
	for rows.Next() {
		var (
			start, end []byte
			length     uint8
			maxLen     uint8
			asn        uint32
			ta         string
			text       string
		)
		if err := rows.Scan(&start, &end, &length, &maxLen, &asn, &ta, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		r := Roa{MaxLength: maxLen, OriginASN: asn, TA: ta}
		copy(r.Prefix.Start[:], start)
		copy(r.Prefix.End[:], end)
		r.Prefix.Length = length
		r.Prefix.Text = text
		out = append(out, r)
	}
	return out, rows.Err()
}

const roaColumns = `prefix_start, prefix_end, prefix_length, max_length, origin_asn, ta, prefix_str`

// GetCoveringROAs returns every ROA whose range contains query.Start,
// the broad "display" variant used to explain a validation result
// (spec §4.3).
func (s *RoaStore) GetCoveringROAs(ctx context.Context, query prefix.Range) ([]Roa, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roaColumns+` FROM rpki_roa
		WHERE prefix_start <= ? AND prefix_end >= ?
		ORDER BY prefix_length ASC
	`, query.Start[:], query.Start[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanRoas(rows)
}

// getCoveringROAsForValidation restricts to ROAs whose length <= the
// query's length AND whose range encloses the full query range — the
// stricter "covering" definition RFC 6811 validation uses (spec §4.3).
func (s *RoaStore) getCoveringROAsForValidation(ctx context.Context, query prefix.Range) ([]Roa, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roaColumns+` FROM rpki_roa
		WHERE prefix_start <= ? AND prefix_end >= ? AND prefix_length <= ?
		ORDER BY prefix_length ASC
	`, query.Start[:], query.End[:], query.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanRoas(rows)
}

// GetROAsByASN returns every ROA authorizing asn as origin.
func (s *RoaStore) GetROAsByASN(ctx context.Context, asn uint32) ([]Roa, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roaColumns+` FROM rpki_roa WHERE origin_asn = ?`, asn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanRoas(rows)
}

// GetAllROAs returns every stored ROA.
func (s *RoaStore) GetAllROAs(ctx context.Context) ([]Roa, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roaColumns+` FROM rpki_roa`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanRoas(rows)
}

func scanAspaRows(rows *sql.Rows, byCustomer bool) ([]Aspa, error) {
	defer rows.Close()
	agg := make(map[uint32][]uint32)
	var order []uint32
	for rows.Next() {
		var customer, provider uint32
		if err := rows.Scan(&customer, &provider); err != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		key := customer
		if !byCustomer {
			key = provider
		}
		if _, ok := agg[key]; !ok {
			order = append(order, key)
		}
		if byCustomer {
			agg[key] = append(agg[key], provider)
		} else {
			agg[key] = append(agg[key], customer)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	out := make([]Aspa, 0, len(order))
	for _, key := range order {
		out = append(out, Aspa{Customer: key, Providers: agg[key]})
	}
	return out, nil
}

// GetAspasByCustomer returns the ASPA(s) for customer asn, aggregating
// provider rows into one entry per customer.
func (s *RoaStore) GetAspasByCustomer(ctx context.Context, asn uint32) ([]Aspa, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT customer_asn, provider_asn FROM rpki_aspa WHERE customer_asn = ?`, asn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanAspaRows(rows, true)
}

// GetAspasByProvider returns, for each customer that lists asn as a
// provider, an Aspa keyed by that provider ASN with the customers that
// authorize it (a provider-indexed reverse view).
func (s *RoaStore) GetAspasByProvider(ctx context.Context, asn uint32) ([]Aspa, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT customer_asn, provider_asn FROM rpki_aspa WHERE provider_asn = ?`, asn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanAspaRows(rows, false)
}

// GetAllAspas returns every ASPA, aggregated by customer ASN.
func (s *RoaStore) GetAllAspas(ctx context.Context) ([]Aspa, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT customer_asn, provider_asn FROM rpki_aspa ORDER BY customer_asn`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return scanAspaRows(rows, true)
}

// Validate implements RFC 6811 origin validation (spec §4.5):
//  1. empty store -> NotFound, no covering ROAs
//  2. no covering ROA -> NotFound
//  3. a covering ROA with a matching origin_asn and query length <= max_length -> Valid
//  4. otherwise -> Invalid, with a reason distinguishing "length exceeds
//     max_length" (some ROA matched on ASN but failed the length check)
//     from "unauthorized AS" (no ROA matched on ASN at all).
func (s *RoaStore) Validate(ctx context.Context, query prefix.Range, asn uint32) (ValidationResult, error) {
	empty, err := s.IsEmpty(ctx)
	if err != nil {
		return ValidationResult{}, err
	}
	if empty {
		return ValidationResult{Result: NotFound}, nil
	}

	covering, err := s.getCoveringROAsForValidation(ctx, query)
	if err != nil {
		return ValidationResult{}, err
	}

	display, err := s.GetCoveringROAs(ctx, query)
	if err != nil {
		return ValidationResult{}, err
	}

	if len(covering) == 0 {
		return ValidationResult{Result: NotFound, Covering: display}, nil
	}

	var asnMatched bool
	var authorized []uint32
	for _, r := range covering {
		if r.OriginASN != asn {
			continue
		}
		asnMatched = true
		if query.Length <= r.MaxLength {
			return ValidationResult{Result: Valid, Covering: display}, nil
		}
	}

	for _, r := range covering {
		authorized = appendUnique(authorized, r.OriginASN)
	}

	reason := fmt.Sprintf("unauthorized AS: authorized origin(s) are %v", authorized)
	if asnMatched {
		reason = "length exceeds max_length"
	}

	return ValidationResult{Result: Invalid, Covering: display, Reason: reason}, nil
}

func appendUnique(dst []uint32, v uint32) []uint32 {
	for _, x := range dst {
		if x == v {
			return dst
		}
	}
	return append(dst, v)
}
