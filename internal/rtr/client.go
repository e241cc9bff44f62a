package rtr

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/bgpkit/monocle/internal/merr"
	"github.com/bgpkit/monocle/internal/prefix"
	"github.com/bgpkit/monocle/internal/store"
)

// Session describes the state of a completed Fetch: the session the
// server assigned, the serial it ended on, and which protocol version
// the exchange settled on after any v1->v0 downgrade.
type Session struct {
	SessionID       uint16
	Serial          uint32
	ProtocolVersion uint8
}

// Client is an RPKI-to-Router protocol client (RFC 8210). It performs a
// single full synchronization (Reset Query) per Fetch call; spec.md's
// Non-goals exclude incremental Serial Query support, so there is no
// persistent-session/Serial-Notify path here.
type Client struct {
	Addr    string
	TLS     bool
	Timeout time.Duration
	Log     zerolog.Logger
}

// New returns a Client dialing addr ("host:port"). TLS enables a TLS
// dial instead of plaintext TCP; timeout bounds connect/read/write.
func New(addr string, useTLS bool, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{Addr: addr, TLS: useTLS, Timeout: timeout, Log: log}
}

// Fetch connects, issues a Reset Query, and collects every IPv4/IPv6
// Prefix PDU until End of Data, downgrading from protocol v1 to v0 once
// if the server reports an unsupported-version error (RFC 8210 §5.10,
// §8). It returns the VRPs as store.Roa records (with an empty TA, since
// RTR carries no trust-anchor name) and the resulting Session.
func (c *Client) Fetch(ctx context.Context) ([]store.Roa, Session, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, Session{}, fmt.Errorf("%w: rtr dial %s: %v", merr.ErrUpstream, c.Addr, err)
	}
	defer conn.Close()

	version := uint8(1)
	if err := c.writeDeadline(conn); err != nil {
		return nil, Session{}, err
	}
	if _, err := conn.Write(resetQueryPDU(version)); err != nil {
		return nil, Session{}, fmt.Errorf("%w: send reset query: %v", merr.ErrUpstream, err)
	}
	c.Log.Debug().Str("addr", c.Addr).Msg("rtr: sent reset query (v1)")

	var (
		roas    []store.Roa
		session Session
	)

	for {
		if err := c.readDeadline(conn); err != nil {
			return nil, Session{}, err
		}
		p, err := readPDU(conn)
		if err != nil {
			if err == io.EOF {
				return nil, Session{}, fmt.Errorf("%w: rtr connection closed before end-of-data", merr.ErrProtocol)
			}
			return nil, Session{}, fmt.Errorf("%w: read pdu: %v", merr.ErrProtocol, err)
		}

		switch {
		case p.CacheResp != nil:
			session.SessionID = p.CacheResp.SessionID
			session.ProtocolVersion = p.CacheResp.Version
			c.Log.Debug().Uint16("session", p.CacheResp.SessionID).Msg("rtr: cache response")

		case p.IPPrefix != nil:
			if p.IPPrefix.Flags != flagAnnounce {
				// a Reset Query never yields withdrawals; ignore defensively
				continue
			}
			roas = append(roas, store.Roa{
				Prefix:    prefixRange(p.IPPrefix),
				MaxLength: p.IPPrefix.MaxLen,
				OriginASN: p.IPPrefix.ASN,
				TA:        "",
			})

		case p.EndOfData != nil:
			session.Serial = p.EndOfData.SerialNumber
			session.ProtocolVersion = p.EndOfData.Version
			c.Log.Info().Uint32("serial", session.Serial).Int("roas", len(roas)).Msg("rtr: end of data")
			return roas, session, nil

		case p.CacheReset != nil:
			return nil, Session{}, fmt.Errorf("%w: rtr server sent cache reset, no data available", merr.ErrUpstream)

		case p.RouterKey != nil:
			// BGPsec router keys carry no ROV-relevant data; skip.

		case p.ErrorReport != nil:
			if version == 1 && p.ErrorReport.Code == errUnsupportedProtoVer {
				c.Log.Warn().Str("addr", c.Addr).Msg("rtr: server rejected v1, retrying with v0")
				if err := c.writeDeadline(conn); err != nil {
					return nil, Session{}, err
				}
				if _, err := conn.Write(resetQueryPDU(0)); err != nil {
					return nil, Session{}, fmt.Errorf("%w: send v0 reset query: %v", merr.ErrUpstream, err)
				}
				version = 0
				roas = roas[:0]
				continue
			}
			return nil, Session{}, fmt.Errorf("%w: rtr error report (code %d): %s", merr.ErrProtocol, p.ErrorReport.Code, p.ErrorReport.Text)
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.Timeout}
	if !c.TLS {
		return d.DialContext(ctx, "tcp", c.Addr)
	}
	plain, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(plain, &tls.Config{ServerName: hostOnly(c.Addr)})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		plain.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *Client) writeDeadline(conn net.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", merr.ErrUpstream, err)
	}
	return nil
}

func (c *Client) readDeadline(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return fmt.Errorf("%w: set read deadline: %v", merr.ErrUpstream, err)
	}
	return nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// prefixRange converts a decoded IPv4/IPv6 Prefix PDU into a prefix.Range
// by round-tripping through its canonical CIDR text, reusing the same
// encoder every other ROA source in monocle goes through.
func prefixRange(p *ipPrefixPDU) prefix.Range {
	cidr := fmt.Sprintf("%s/%d", p.Addr, p.PrefixLen)
	r, err := prefix.Encode(cidr)
	if err != nil {
		// PrefixLen/Addr are decoded straight off the wire per RFC 8210's
		// fixed layout, so a malformed CIDR here means the peer sent a
		// prefix length outside the address family's range; return the
		// zero Range (all-zero Start and End, empty Text) rather than
		// panicking mid-fetch.
		return prefix.Range{}
	}
	return r
}
