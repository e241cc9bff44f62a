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

// Validation is the annotation carried on a Pfx2asRecord (spec §3.1).
type Validation string

const (
	ValidationValid   Validation = "valid"
	ValidationInvalid Validation = "invalid"
	ValidationUnknown Validation = "unknown"
)

// Pfx2as is a single prefix -> origin-ASN mapping (spec §3.1). Multiple
// records may share a prefix (multi-origin).
type Pfx2as struct {
	Prefix     prefix.Range
	OriginASN  uint32
	Validation Validation
}

// Pfx2asMatch is one row of a covering/covered lookup result: the
// matched stored prefix plus its aggregated ASN set.
type Pfx2asMatch struct {
	Prefix prefix.Range
	ASNs   []uint32
}

// Pfx2asStore is the repository view of spec §4.4.
type Pfx2asStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NeedsRefresh reports whether the prefix-to-origin cache is empty or
// older than ttl (spec §4.9).
func (s *Pfx2asStore) NeedsRefresh(ctx context.Context, ttl time.Duration) (bool, error) {
	return needsRefresh(ctx, s.db, "pfx2as_meta", ttl)
}

// Store atomically replaces the pfx2as table: clear, bulk-insert under
// one transaction with relaxed durability, restore safe pragmas, rewrite
// meta. Mirrors RoaStore.Store's discipline (spec §4.4, §4.3).
func (s *Pfx2asStore) Store(ctx context.Context, records []Pfx2as, source string) (err error) {
	if _, execErr := s.db.ExecContext(ctx, `PRAGMA synchronous = OFF`); execErr != nil {
		return fmt.Errorf("%w: relax durability: %v", merr.ErrStorage, execErr)
	}
	if _, execErr := s.db.ExecContext(ctx, `PRAGMA journal_mode = MEMORY`); execErr != nil {
		return fmt.Errorf("%w: relax durability: %v", merr.ErrStorage, execErr)
	}
	defer func() {
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

	if _, err = tx.ExecContext(ctx, `DELETE FROM pfx2as`); err != nil {
		return fmt.Errorf("%w: clear pfx2as: %v", merr.ErrStorage, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pfx2as
		(prefix_start, prefix_end, prefix_length, origin_asn, prefix_str, validation)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", merr.ErrStorage, err)
	}
	defer stmt.Close()

	distinctPrefixes := make(map[string]struct{}, len(records))
	for _, r := range records {
		distinctPrefixes[prefix.Decode(r.Prefix)] = struct{}{}
		if _, err = stmt.ExecContext(ctx,
			r.Prefix.Start[:], r.Prefix.End[:], r.Prefix.Length, r.OriginASN, prefix.Decode(r.Prefix), string(r.Validation)); err != nil {
			return fmt.Errorf("%w: insert pfx2as: %v", merr.ErrStorage, err)
		}
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO pfx2as_meta (id, updated_at, source, prefix_count, record_count)
		VALUES (1, strftime('%s','now'), ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			source = excluded.source,
			prefix_count = excluded.prefix_count,
			record_count = excluded.record_count
	`, source, len(distinctPrefixes), len(records)); err != nil {
		return fmt.Errorf("%w: write meta: %v", merr.ErrStorage, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", merr.ErrStorage, err)
	}

	s.log.Info().Int("records", len(records)).Msg("stored pfx2as snapshot")
	return nil
}

// IsEmpty reports whether the pfx2as table has any rows.
func (s *Pfx2asStore) IsEmpty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM pfx2as`).Scan(&n); err != nil {
		return true, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return n == 0, nil
}

const pfx2asColumns = `prefix_start, prefix_end, prefix_length, prefix_str, origin_asn`

// groupByPrefix aggregates rows sharing the same stored prefix text into
// one Pfx2asMatch per prefix, preserving first-seen order.
func groupByPrefix(rows *sql.Rows) ([]Pfx2asMatch, error) {
	defer rows.Close()
	order := make([]string, 0)
	byText := make(map[string]*Pfx2asMatch)
	for rows.Next() {
		var (
			start, end []byte
			length     uint8
			text       string
			asn        uint32
		)
		if err := rows.Scan(&start, &end, &length, &text, &asn); err != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		m, ok := byText[text]
		if !ok {
			var r prefix.Range
			copy(r.Start[:], start)
			copy(r.End[:], end)
			r.Length = length
			r.Text = text
			m = &Pfx2asMatch{Prefix: r}
			byText[text] = m
			order = append(order, text)
		}
		m.ASNs = appendUnique(m.ASNs, asn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	out := make([]Pfx2asMatch, 0, len(order))
	for _, text := range order {
		out = append(out, *byText[text])
	}
	return out, nil
}

// LookupExact returns the ASNs whose stored prefix text equals query.
// Unlike LookupLongest (which reports a miss via its bool return) and
// LookupCovering/LookupCovered (which return an empty slice), since "no
// covering prefix" is an expected, common outcome for those, an
// exact-match miss here wraps merr.ErrNotFound: a
// caller asking for this specific prefix string wants a definite record,
// not a range query that may legitimately be empty.
func (s *Pfx2asStore) LookupExact(ctx context.Context, query prefix.Range) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin_asn FROM pfx2as WHERE prefix_str = ?`, prefix.Decode(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var asn uint32
		if err := rows.Scan(&asn); err != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		out = appendUnique(out, asn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no pfx2as record for %s", merr.ErrNotFound, prefix.Decode(query))
	}
	return out, nil
}

// LookupLongest returns the ASN set of the stored prefix with the
// greatest length that contains query.Start and whose length <=
// query.Length. Rows sharing that prefix text aggregate into one set
// (spec §4.4).
func (s *Pfx2asStore) LookupLongest(ctx context.Context, query prefix.Range) (Pfx2asMatch, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pfx2asColumns+` FROM pfx2as
		WHERE prefix_start <= ? AND prefix_end >= ? AND prefix_length <= ?
		ORDER BY prefix_length DESC
	`, query.Start[:], query.Start[:], query.Length)
	if err != nil {
		return Pfx2asMatch{}, false, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	matches, err := groupByPrefix(rows)
	if err != nil {
		return Pfx2asMatch{}, false, err
	}
	if len(matches) == 0 {
		return Pfx2asMatch{}, false, nil
	}
	// matches is ordered by first-seen row, which came back prefix_length
	// DESC from SQL, so the first group is the longest stored prefix.
	return matches[0], true, nil
}

// LookupCovering returns every stored prefix enclosing the full query
// range with length <= query.Length, ordered length-ascending (least
// specific first).
func (s *Pfx2asStore) LookupCovering(ctx context.Context, query prefix.Range) ([]Pfx2asMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pfx2asColumns+` FROM pfx2as
		WHERE prefix_start <= ? AND prefix_end >= ? AND prefix_length <= ?
		ORDER BY prefix_length ASC
	`, query.Start[:], query.End[:], query.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return groupByPrefix(rows)
}

// LookupCovered returns every stored prefix enclosed by the query range
// with length >= query.Length, ordered length-ascending.
func (s *Pfx2asStore) LookupCovered(ctx context.Context, query prefix.Range) ([]Pfx2asMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pfx2asColumns+` FROM pfx2as
		WHERE prefix_start >= ? AND prefix_end <= ? AND prefix_length >= ?
		ORDER BY prefix_length ASC
	`, query.Start[:], query.End[:], query.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return groupByPrefix(rows)
}

// GetByASN scans the origin-ASN index for every prefix originated by asn.
func (s *Pfx2asStore) GetByASN(ctx context.Context, asn uint32) ([]Pfx2as, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix_start, prefix_end, prefix_length, prefix_str, origin_asn, validation
		FROM pfx2as WHERE origin_asn = ?
	`, asn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	defer rows.Close()
	var out []Pfx2as
	for rows.Next() {
		var (
			start, end []byte
			length     uint8
			text       string
			originASN  uint32
			validation string
		)
		if err := rows.Scan(&start, &end, &length, &text, &originASN, &validation); err != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		rec := Pfx2as{OriginASN: originASN, Validation: Validation(validation)}
		copy(rec.Prefix.Start[:], start)
		copy(rec.Prefix.End[:], end)
		rec.Prefix.Length = length
		rec.Prefix.Text = text
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ValidationStats returns the (valid, invalid, unknown) counts.
func (s *Pfx2asStore) ValidationStats(ctx context.Context) (valid, invalid, unknown int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT validation, count(*) FROM pfx2as GROUP BY validation`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %v", merr.ErrStorage, err)
		}
		switch Validation(v) {
		case ValidationValid:
			valid = n
		case ValidationInvalid:
			invalid = n
		default:
			unknown = n
		}
	}
	return valid, invalid, unknown, rows.Err()
}
