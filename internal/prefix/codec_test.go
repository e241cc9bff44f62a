package prefix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"0.0.0.0/0",
		"10.0.0.0/8",
		"10.0.0.0/24",
		"1.1.1.1/32",
		"::/0",
		"2001:db8::/32",
		"2001:db8::1/128",
		"::ffff:1.2.3.0/120",
	}
	for _, c := range cases {
		r, err := Encode(c)
		require.NoError(t, err, c)
		require.LessOrEqual(t, cmp16(r.Start, r.End), 0, "start <= end for %s", c)
		got := Decode(r)
		r2, err := Encode(got)
		require.NoError(t, err)
		require.Equal(t, r.Start, r2.Start)
		require.Equal(t, r.End, r2.End)
		require.Equal(t, r.Length, r2.Length)
	}
}

func TestEncodeRejectsGarbage(t *testing.T) {
	_, err := Encode("not-a-prefix")
	require.Error(t, err)
}

func TestEncodeIPv4Region(t *testing.T) {
	r, err := Encode("10.0.0.0/8")
	require.NoError(t, err)
	require.True(t, IsIPv4(r))
	require.Equal(t, uint8(8), r.Length)
	require.Equal(t, byte(10), r.Start[12])
	require.Equal(t, byte(0xff), r.End[13])
	require.Equal(t, byte(0xff), r.End[14])
	require.Equal(t, byte(0xff), r.End[15])
}

func TestContainsMatchesCIDRContainment(t *testing.T) {
	super, _ := Encode("10.0.0.0/8")
	sub, _ := Encode("10.0.0.0/24")
	disjoint, _ := Encode("11.0.0.0/24")

	require.True(t, Contains(super, sub))
	require.False(t, Contains(sub, super))
	require.False(t, Contains(super, disjoint))

	// equal prefixes contain each other
	require.True(t, Contains(super, super))
}

func TestContainsSpansV4AndV6Independently(t *testing.T) {
	v4, _ := Encode("10.0.0.0/8")
	v6, _ := Encode("2001:db8::/32")
	require.False(t, Contains(v4, v6))
	require.False(t, Contains(v6, v4))
}

func TestCompareOrdersLengthAscendingWithinSameRange(t *testing.T) {
	a, _ := Encode("10.0.0.0/8")
	b, _ := Encode("10.0.0.0/16")
	c, _ := Encode("10.0.0.0/24")
	require.True(t, Compare(a, b) < 0)
	require.True(t, Compare(b, c) < 0)
}
