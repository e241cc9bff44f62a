package mrtsearch

import (
	"net/netip"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOriginASNIsLastHop(t *testing.T) {
	e := MrtElement{AsPath: []uint32{64500, 64501, 13335}}
	require.Equal(t, uint32(13335), e.OriginASN())

	empty := MrtElement{}
	require.Equal(t, uint32(0), empty.OriginASN())
}

func TestFilterMatchesOriginASN(t *testing.T) {
	f := SearchFilter{OriginASN: 13335, HasOriginASN: true}
	match := MrtElement{AsPath: []uint32{13335}}
	noMatch := MrtElement{AsPath: []uint32{64500}}
	require.True(t, f.Match(match))
	require.False(t, f.Match(noMatch))
}

func TestFilterMatchesElementType(t *testing.T) {
	f := SearchFilter{ElementType: ElementWithdraw}
	require.False(t, f.Match(MrtElement{Type: ElementAnnounce}))
	require.True(t, f.Match(MrtElement{Type: ElementWithdraw}))
}

func TestFilterPrefixIncludeSub(t *testing.T) {
	base := netip.MustParsePrefix("10.0.0.0/8")
	f := SearchFilter{Prefix: base, HasPrefix: true, IncludeSub: true}

	more := netip.MustParsePrefix("10.1.0.0/16")
	require.True(t, f.Match(MrtElement{Prefix: more}))

	unrelated := netip.MustParsePrefix("192.168.0.0/16")
	require.False(t, f.Match(MrtElement{Prefix: unrelated}))
}

func TestFilterPrefixIncludeSuper(t *testing.T) {
	base := netip.MustParsePrefix("10.1.0.0/16")
	f := SearchFilter{Prefix: base, HasPrefix: true, IncludeSuper: true}

	less := netip.MustParsePrefix("10.0.0.0/8")
	require.True(t, f.Match(MrtElement{Prefix: less}))
}

func TestFilterTimeRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	f := SearchFilter{TimeStart: start, TimeEnd: end}

	require.True(t, f.Match(MrtElement{Timestamp: start.Add(time.Hour)}))
	require.False(t, f.Match(MrtElement{Timestamp: start.Add(-time.Hour)}))
	require.False(t, f.Match(MrtElement{Timestamp: end.Add(time.Hour)}))
}

func TestFilterAsPathRegex(t *testing.T) {
	f := SearchFilter{AsPathRegex: regexp.MustCompile(`^64500 `)}
	require.True(t, f.Match(MrtElement{AsPath: []uint32{64500, 13335}}))
	require.False(t, f.Match(MrtElement{AsPath: []uint32{64501, 13335}}))
}

func TestFilterPeerIPSet(t *testing.T) {
	peer := netip.MustParseAddr("192.0.2.1")
	other := netip.MustParseAddr("192.0.2.2")
	f := SearchFilter{PeerIPs: []netip.Addr{peer}}

	require.True(t, f.Match(MrtElement{PeerIP: peer}))
	require.False(t, f.Match(MrtElement{PeerIP: other}))
}
