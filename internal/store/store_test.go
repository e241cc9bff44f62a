package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle/internal/merr"
	"github.com/bgpkit/monocle/internal/prefix"
)

func openTestStore(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "monocle-data.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustEncode(t *testing.T, cidr string) prefix.Range {
	t.Helper()
	r, err := prefix.Encode(cidr)
	require.NoError(t, err)
	return r
}

func TestSchemaFreshInitThenCurrentNoOp(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "monocle-data.db")

	m1, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	v, ok, err := m1.GetMeta(ctx, "schema_version")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
	require.NoError(t, m1.Close())

	// reopen: drift should be "current", a no-op
	m2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer m2.Close()
	empty, err := m2.Roa().IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestSchemaDriftTriggersReset(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)

	roas := []Roa{{Prefix: mustEncode(t, "1.0.0.0/24"), MaxLength: 24, OriginASN: 13335}}
	require.NoError(t, m.Roa().Store(ctx, roas, nil, "test", "test"))

	empty, err := m.Roa().IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	// simulate a newer-than-compiled schema_version -> incompatible -> reset
	require.NoError(t, m.SetMeta(ctx, "schema_version", "999"))
	require.NoError(t, m.reconcileSchema(ctx))

	empty, err = m.Roa().IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty, "drift must wipe data tables")

	v, ok, err := m.GetMeta(ctx, "schema_version")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v, "schema_version must be rewritten to the compiled version")
}

func TestRoaNeedsRefresh(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)
	roa := m.Roa()

	stale, err := roa.NeedsRefresh(ctx, 0)
	require.NoError(t, err)
	require.True(t, stale, "empty store is always stale")

	require.NoError(t, roa.Store(ctx, []Roa{{Prefix: mustEncode(t, "1.0.0.0/24"), MaxLength: 24, OriginASN: 1}}, nil, "x", "x"))

	stale, err = roa.NeedsRefresh(ctx, 0)
	require.NoError(t, err)
	require.True(t, stale, "zero TTL is always stale")

	fresh, err := roa.NeedsRefresh(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.False(t, fresh, "just-stored data is within a 24h TTL")

	// a negative TTL models a date-pinned historical cache: never stale
	neverStale, err := roa.NeedsRefresh(ctx, -1)
	require.NoError(t, err)
	require.False(t, neverStale)
}

func TestValidationMatrix(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)
	roa := m.Roa()

	require.NoError(t, roa.Store(ctx, []Roa{
		{Prefix: mustEncode(t, "1.0.0.0/24"), MaxLength: 24, OriginASN: 13335},
	}, nil, "test", ""))

	res, err := roa.Validate(ctx, mustEncode(t, "1.0.0.0/24"), 13335)
	require.NoError(t, err)
	require.Equal(t, Valid, res.Result)
	require.Len(t, res.Covering, 1)

	res, err = roa.Validate(ctx, mustEncode(t, "1.0.0.0/25"), 13335)
	require.NoError(t, err)
	require.Equal(t, Invalid, res.Result)
	require.Equal(t, "length exceeds max_length", res.Reason)

	res, err = roa.Validate(ctx, mustEncode(t, "1.0.0.0/24"), 99999)
	require.NoError(t, err)
	require.Equal(t, Invalid, res.Result)
	require.Contains(t, res.Reason, "13335")

	res, err = roa.Validate(ctx, mustEncode(t, "2.0.0.0/24"), 13335)
	require.NoError(t, err)
	require.Equal(t, NotFound, res.Result)
}

func TestPfx2asLookupModes(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)
	pfx2as := m.Pfx2as()

	require.NoError(t, pfx2as.Store(ctx, []Pfx2as{
		{Prefix: mustEncode(t, "10.0.0.0/8"), OriginASN: 100, Validation: ValidationUnknown},
		{Prefix: mustEncode(t, "10.0.0.0/16"), OriginASN: 200, Validation: ValidationUnknown},
		{Prefix: mustEncode(t, "10.0.0.0/24"), OriginASN: 300, Validation: ValidationUnknown},
	}, "test"))

	longest, ok, err := pfx2as.LookupLongest(ctx, mustEncode(t, "10.0.0.1/32"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint8(24), longest.Prefix.Length)
	require.Equal(t, []uint32{300}, longest.ASNs)

	covering, err := pfx2as.LookupCovering(ctx, mustEncode(t, "10.0.0.0/24"))
	require.NoError(t, err)
	require.Len(t, covering, 3)
	require.Equal(t, uint8(8), covering[0].Prefix.Length)
	require.Equal(t, uint8(16), covering[1].Prefix.Length)
	require.Equal(t, uint8(24), covering[2].Prefix.Length)

	covered, err := pfx2as.LookupCovered(ctx, mustEncode(t, "10.0.0.0/8"))
	require.NoError(t, err)
	require.Len(t, covered, 3)
	require.Equal(t, uint8(8), covered[0].Prefix.Length)
	require.Equal(t, uint8(24), covered[2].Prefix.Length)

	exact, err := pfx2as.LookupExact(ctx, mustEncode(t, "10.0.0.0/16"))
	require.NoError(t, err)
	require.Equal(t, []uint32{200}, exact)
}

func TestPfx2asLookupExactMissIsErrNotFound(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)
	pfx2as := m.Pfx2as()

	require.NoError(t, pfx2as.Store(ctx, []Pfx2as{
		{Prefix: mustEncode(t, "10.0.0.0/8"), OriginASN: 100, Validation: ValidationUnknown},
	}, "test"))

	_, err := pfx2as.LookupExact(ctx, mustEncode(t, "192.168.0.0/16"))
	require.Error(t, err)
	require.True(t, errors.Is(err, merr.ErrNotFound))
}

func TestAspaAggregation(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)
	roa := m.Roa()

	require.NoError(t, roa.Store(ctx, nil, []Aspa{
		{Customer: 1, Providers: []uint32{2, 3}},
	}, "", "test"))

	aspas, err := roa.GetAspasByCustomer(ctx, 1)
	require.NoError(t, err)
	require.Len(t, aspas, 1)
	require.ElementsMatch(t, []uint32{2, 3}, aspas[0].Providers)
}

func TestAtomicReloadRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	m := openTestStore(t)
	roa := m.Roa()

	require.NoError(t, roa.Store(ctx, []Roa{
		{Prefix: mustEncode(t, "1.0.0.0/24"), MaxLength: 24, OriginASN: 1},
	}, nil, "first", ""))

	prevCount, err := roa.RoaCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, prevCount)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = roa.Store(cancelled, []Roa{
		{Prefix: mustEncode(t, "9.9.9.0/24"), MaxLength: 24, OriginASN: 9},
	}, nil, "second", "")
	require.Error(t, err, "a cancelled context must fail the load")

	count, err := roa.RoaCount(ctx)
	require.NoError(t, err)
	require.Equal(t, prevCount, count, "a failed reload must not leave a half-loaded table")
}
