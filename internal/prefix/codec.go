// Package prefix implements the storage key scheme of component (C):
// a total, order-preserving map from textual CIDR to two fixed-width
// address blobs plus a length, so a SQL engine without native CIDR
// support can answer containment queries with plain BETWEEN predicates.
//
// IPv4 prefixes are widened into the ::ffff:0:0/96 region before range
// computation, so Range.Start/End are always 16 bytes and directly
// comparable as unsigned big-endian integers regardless of family.
package prefix

import (
	"fmt"
	"net/netip"

	"github.com/bgpkit/monocle/internal/merr"
)

// Range is the fixed-width representation of a CIDR prefix: two 16-byte
// addresses (network address and broadcast/last address) plus the
// original-family prefix length, kept alongside a canonical text form.
//
// Value object: never shared, never mutated after construction.
type Range struct {
	Start  [16]byte
	End    [16]byte
	Length uint8
	Text   string
}

// v4Mapped is the ::ffff:0:0/96 prefix IPv4 addresses are widened into.
var v4Mapped = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// Encode parses a CIDR string into its Range. IPv4 is widened into the
// IPv4-mapped IPv6 region before the range is computed; Length is kept in
// the original address family's bits (0-32 for v4, 0-128 for v6).
func Encode(text string) (Range, error) {
	p, err := netip.ParsePrefix(text)
	if err != nil {
		// netip also accepts bare addresses via ParseAddr; try that as /32 or /128
		addr, aerr := netip.ParseAddr(text)
		if aerr != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", merr.ErrInvalidInput, text, err)
		}
		bits := 32
		if addr.Is6() && !addr.Is4In6() {
			bits = 128
		}
		p = netip.PrefixFrom(addr, bits)
	}

	p = p.Masked()
	addr := p.Addr()
	length := p.Bits()

	var start [16]byte
	if addr.Is4() {
		copy(start[:12], v4Mapped[:])
		a4 := addr.As4()
		copy(start[12:], a4[:])
	} else {
		start = addr.As16()
	}

	end := hostmaskEnd(start, length, addr.Is4())

	r := Range{Start: start, End: end, Length: uint8(length)}
	r.Text = canonicalText(r, addr.Is4())
	return r, nil
}

// hostmaskEnd sets every host bit of start to 1, returning end.
// For IPv4-mapped addresses, length is counted from the start of the
// embedded v4 address (bits 96-128 of the 16-byte form), matching the
// "length is the CIDR length in the original address family" rule.
func hostmaskEnd(start [16]byte, length int, isV4 bool) [16]byte {
	end := start
	base := 0
	if isV4 {
		base = 96
	}
	totalBits := base + length

	for i := 0; i < 16; i++ {
		bitStart := i * 8
		bitEnd := bitStart + 8
		if bitEnd <= totalBits {
			continue // fully within the network portion, untouched
		}
		if bitStart >= totalBits {
			end[i] = 0xff // fully within the host portion
			continue
		}
		// straddles the boundary: set the low (totalBits-bitStart) host bits
		hostBitsInByte := bitEnd - totalBits
		mask := byte(0xff) >> (8 - hostBitsInByte)
		end[i] |= mask
	}
	return end
}

// canonicalText renders r.Start/r.Length back into a CIDR string.
func canonicalText(r Range, isV4 bool) string {
	if isV4 {
		a4 := [4]byte{r.Start[12], r.Start[13], r.Start[14], r.Start[15]}
		addr := netip.AddrFrom4(a4)
		return netip.PrefixFrom(addr, int(r.Length)).String()
	}
	addr := netip.AddrFrom16(r.Start)
	return netip.PrefixFrom(addr, int(r.Length)).String()
}

// Decode returns the canonical CIDR text for r. Round-trips with Encode:
// Decode(Encode(p)) == canonical(p) for any valid p.
func Decode(r Range) string {
	if r.Text != "" {
		return r.Text
	}
	return canonicalText(r, IsIPv4(r))
}

// IsIPv4 reports whether r's Start address lies in the ::ffff:0:0/96
// mapped region, i.e. whether r represents an IPv4 prefix.
func IsIPv4(r Range) bool {
	for i := 0; i < 12; i++ {
		if r.Start[i] != v4Mapped[i] {
			return false
		}
	}
	return true
}

// Contains reports whether a contains b: a.Start <= b.Start, a.End >=
// b.End (as unsigned big-endian integers), and a.Length <= b.Length.
// This is equivalent to the standard CIDR containment relation.
func Contains(a, b Range) bool {
	return a.Length <= b.Length && cmp16(a.Start, b.Start) <= 0 && cmp16(a.End, b.End) >= 0
}

// cmp16 compares two 16-byte big-endian values: -1, 0, or 1.
func cmp16(a, b [16]byte) int {
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Compare orders two Ranges by Start, then Length, then End, so ranges
// sharing a start address sort length-ascending (least specific first).
func Compare(a, b Range) int {
	if c := cmp16(a.Start, b.Start); c != 0 {
		return c
	}
	if a.Length != b.Length {
		if a.Length < b.Length {
			return -1
		}
		return 1
	}
	if c := cmp16(a.End, b.End); c != 0 {
		return c
	}
	return 0
}
