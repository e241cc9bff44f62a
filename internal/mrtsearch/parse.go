package mrtsearch

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/bgpfix/bgpfix/attrs"
	"github.com/bgpfix/bgpfix/dir"
	"github.com/bgpfix/bgpfix/mrt"
	"github.com/bgpfix/bgpfix/msg"
	"github.com/bgpfix/bgpfix/pipe"
	"github.com/rs/zerolog"

	"github.com/bgpkit/monocle/internal/fetch"
	"github.com/bgpkit/monocle/internal/merr"
)

// progressInterval is the element count between progress ticks (spec §4.7).
const progressInterval = 10_000

// Sink receives one matched element. It must tolerate concurrent calls
// from multiple ParseEngine workers when used from MrtSearchEngine
// (spec §4.8's concurrency contract).
type Sink func(MrtElement)

// ParseEngine streams a single MRT source through a SearchFilter,
// wrapping bgpfix/bgpfix/mrt.Reader the way the teacher's stages/mrt.go
// wraps it for a live pipe, here driven off a fetch.Stream instead of a
// live session.
type ParseEngine struct {
	Log zerolog.Logger
}

// Parse opens loc (path or URL, transparently decompressed), decodes
// every BGP UPDATE message bgpfix's MRT reader produces, converts each
// NLRI/withdrawal into an MrtElement, and invokes sink for every element
// matching filter. progress, if non-nil, receives a tick every 10,000
// processed elements plus a final Completed/Error tick.
func (e *ParseEngine) Parse(ctx context.Context, loc string, filter SearchFilter, sink Sink, progress func(ProgressTick)) error {
	stream, err := fetch.Open(ctx, loc, fetch.FormatAuto)
	if err != nil {
		return err
	}
	defer stream.Close()

	p := pipe.NewPipe(ctx)

	var processed uint64
	start := time.Now()
	var parseErr error

	p.OnMsg(func(m *msg.Msg) pipe.Action {
		if ctx.Err() != nil {
			return pipe.ACTION_DROP
		}
		for _, el := range elementsFromUpdate(m) {
			processed++
			if filter.Match(el) {
				sink(el)
			}
			if progress != nil && processed%progressInterval == 0 {
				progress(ProgressTick{
					Processed: processed,
					Rate:      rate(processed, start),
					Elapsed:   time.Since(start),
				})
			}
		}
		return pipe.ACTION_CONTINUE
	}, dir.DIR_R, msg.UPDATE)

	mr := mrt.NewReader(ctx)
	mr.Options.Logger = &e.Log
	if err := mr.Attach(p, dir.DIR_R); err != nil {
		return fmt.Errorf("%w: attach mrt reader: %v", merr.ErrProtocol, err)
	}

	if _, err := mr.ReadFromReader(stream); err != nil {
		if ctx.Err() != nil {
			parseErr = fmt.Errorf("%w: %s: %v", merr.ErrCancelled, loc, ctx.Err())
		} else {
			parseErr = fmt.Errorf("%w: %s: %v", merr.ErrProtocol, loc, err)
		}
	}

	if progress != nil {
		progress(ProgressTick{
			Processed: processed,
			Rate:      rate(processed, start),
			Elapsed:   time.Since(start),
			Done:      true,
			Err:       parseErr,
		})
	}
	return parseErr
}

func rate(processed uint64, start time.Time) float64 {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed
}

// elementsFromUpdate flattens one decoded BGP UPDATE message into its
// constituent MrtElements: one per announced/withdrawn prefix across
// both the IPv4 Reach/Unreach fields and the MP_REACH/MP_UNREACH
// attributes, following the access pattern of the teacher's
// stages/rpki/validate.go validateMsg.
func elementsFromUpdate(m *msg.Msg) []MrtElement {
	u := &m.Update
	origin := u.AsPath().Origin()
	asPath := u.AsPath().ASNs()

	var nextHop netip.Addr
	hasNextHop := false
	if nh, ok := u.Attrs.Use(attrs.ATTR_NEXTHOP).(*attrs.IP); ok && nh != nil {
		nextHop = nh.Addr
		hasNextHop = true
	}

	var localPref uint32
	hasLocalPref := false
	if lp, ok := u.Attrs.Use(attrs.ATTR_LOCALPREF).(*attrs.Num); ok && lp != nil {
		localPref = uint32(lp.Value())
		hasLocalPref = true
	}

	var med uint32
	hasMED := false
	if m2, ok := u.Attrs.Use(attrs.ATTR_MED).(*attrs.Num); ok && m2 != nil {
		med = uint32(m2.Value())
		hasMED = true
	}

	// peer IP/ASN come from the MRT peer-index table (TABLE_DUMP2) or the
	// BGP4MP_MESSAGE peer fields; bgpfix's reader attaches those via pipe
	// tags rather than msg.Msg fields, so they are read from m's tags
	// below via peerFromTags, where available (see DESIGN.md).
	base := MrtElement{
		Timestamp:    m.Time,
		AsPath:       asPath,
		NextHop:      nextHop,
		HasNextHop:   hasNextHop,
		LocalPref:    localPref,
		HasLocalPref: hasLocalPref,
		MED:          med,
		HasMED:       hasMED,
	}
	if peerIP, peerASN, ok := peerFromTags(m); ok {
		base.PeerIP = peerIP
		base.PeerASN = peerASN
	}
	_ = origin // origin is derived on demand via MrtElement.OriginASN()

	var out []MrtElement
	for _, p := range u.Reach {
		el := base
		el.Type = ElementAnnounce
		el.Prefix = p.Prefix
		out = append(out, el)
	}
	for _, p := range u.Unreach {
		el := base
		el.Type = ElementWithdraw
		el.Prefix = p.Prefix
		out = append(out, el)
	}
	if mp := u.ReachMP().Prefixes(); mp != nil {
		for _, p := range mp.Prefixes {
			el := base
			el.Type = ElementAnnounce
			el.Prefix = p.Prefix
			out = append(out, el)
		}
	}
	if mp := u.UnreachMP().Prefixes(); mp != nil {
		for _, p := range mp.Prefixes {
			el := base
			el.Type = ElementWithdraw
			el.Prefix = p.Prefix
			out = append(out, el)
		}
	}
	return out
}

// peerFromTags extracts the MRT peer IP/ASN bgpfix's reader stores as
// pipe tags (the same tags.UseTags(m) mechanism stages/rpki/validate.go
// uses for its own per-message annotations, e.g. "mrt/peer-ip",
// "mrt/peer-asn").
func peerFromTags(m *msg.Msg) (netip.Addr, uint32, bool) {
	tags := pipe.UseTags(m)
	ipStr, ok := tags["mrt/peer-ip"]
	if !ok {
		return netip.Addr{}, 0, false
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return netip.Addr{}, 0, false
	}
	asnStr, ok := tags["mrt/peer-asn"]
	if !ok {
		return addr, 0, true
	}
	var asn uint32
	for _, c := range asnStr {
		if c < '0' || c > '9' {
			return addr, 0, true
		}
		asn = asn*10 + uint32(c-'0')
	}
	return addr, asn, true
}
