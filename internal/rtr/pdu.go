// Package rtr implements an RPKI-to-Router Protocol (RFC 8210) client.
//
// The wire codec here is hand-rolled rather than delegated to a library:
// spec.md names the RTR client as one of the subsystems this project
// exists to build (see DESIGN.md's Open Questions section), so unlike
// the teacher's stage, which wraps github.com/bgp/stayrtr/lib, this
// package reads and writes RTR PDUs directly against net/encoding-binary.
package rtr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// pduType is the RTR PDU type octet (RFC 8210 §5).
type pduType uint8

const (
	pduSerialNotify    pduType = 0
	pduSerialQuery     pduType = 1
	pduResetQuery      pduType = 2
	pduCacheResponse   pduType = 3
	pduIPv4Prefix      pduType = 4
	pduIPv6Prefix      pduType = 6
	pduEndOfData       pduType = 7
	pduCacheReset      pduType = 8
	pduRouterKey       pduType = 9
	pduErrorReport     pduType = 10
)

// errorCode values carried in an Error Report PDU (RFC 8210 §5.10).
type errorCode uint16

const (
	errCorruptData          errorCode = 0
	errInternalError        errorCode = 1
	errNoDataAvailable      errorCode = 2
	errInvalidRequest       errorCode = 3
	errUnsupportedProtoVer  errorCode = 4
	errUnsupportedPDUType   errorCode = 5
	errWithdrawalUnknown    errorCode = 6
	errDuplicateAnnouncement errorCode = 7
)

const (
	flagAnnounce uint8 = 1
	flagWithdraw uint8 = 0
)

// header is the common 8-byte RTR PDU header: version, type, and either
// a session ID (Serial Query, Cache Response, End of Data), an error
// code (Error Report), or a reserved zero field (Reset Query, Cache
// Reset), followed by a 4-byte total length.
type header struct {
	Version uint8
	Type    pduType
	Field   uint16 // session ID, error code, or reserved, depending on Type
	Length  uint32
}

func readHeader(r io.Reader) (header, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, err
	}
	h := header{
		Version: buf[0],
		Type:    pduType(buf[1]),
		Field:   binary.BigEndian.Uint16(buf[2:4]),
		Length:  binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Length < 8 {
		return header{}, fmt.Errorf("rtr: header declares impossible length %d", h.Length)
	}
	return h, nil
}

// resetQueryPDU builds a Reset Query (RFC 8210 §5.3): header only, length 8.
func resetQueryPDU(version uint8) []byte {
	buf := make([]byte, 8)
	buf[0] = version
	buf[1] = byte(pduResetQuery)
	binary.BigEndian.PutUint32(buf[4:8], 8)
	return buf
}

// serialQueryPDU builds a Serial Query (RFC 8210 §5.2): header + 4-byte
// serial number, length 12. Not issued by RtrClient.Fetch (which always
// does a full Reset Query), but kept for a future incremental-sync path.
func serialQueryPDU(version uint8, sessionID uint16, serial uint32) []byte {
	buf := make([]byte, 12)
	buf[0] = version
	buf[1] = byte(pduSerialQuery)
	binary.BigEndian.PutUint16(buf[2:4], sessionID)
	binary.BigEndian.PutUint32(buf[4:8], 12)
	binary.BigEndian.PutUint32(buf[8:12], serial)
	return buf
}

// cacheResponsePDU is the server's ack to a Reset/Serial Query (RFC 8210 §5.4).
type cacheResponsePDU struct {
	Version   uint8
	SessionID uint16
}

// ipPrefixPDU is the common shape of the IPv4 (§5.6) and IPv6 (§5.7)
// Prefix PDUs after decoding; Addr carries either family via netip.Addr.
type ipPrefixPDU struct {
	Flags     uint8
	PrefixLen uint8
	MaxLen    uint8
	Addr      netip.Addr
	ASN       uint32
}

// endOfDataPDU is RFC 8210 §5.8 (v1 carries timing parameters; v0 does not).
type endOfDataPDU struct {
	Version         uint8
	SessionID       uint16
	SerialNumber    uint32
	RefreshInterval uint32
	RetryInterval   uint32
	ExpireInterval  uint32
}

// cacheResetPDU is RFC 8210 §5.9: header only, no session data.
type cacheResetPDU struct{}

// errorReportPDU is RFC 8210 §5.10: header carries the error code; the
// body carries the PDU that triggered it (ignored here) plus error text.
type errorReportPDU struct {
	Code errorCode
	Text string
}

// routerKeyPDU is RFC 8210 §5.11 (BGPsec router keys); monocle has no
// BGPsec validation path, so these are parsed only to stay framed and
// then discarded by the caller.
type routerKeyPDU struct{}

// pdu is the decoded union returned by readPDU.
type pdu struct {
	Header       header
	CacheResp    *cacheResponsePDU
	IPPrefix     *ipPrefixPDU
	EndOfData    *endOfDataPDU
	CacheReset   *cacheResetPDU
	RouterKey    *routerKeyPDU
	ErrorReport  *errorReportPDU
}

// readPDU reads and decodes one RTR PDU from r.
func readPDU(r io.Reader) (pdu, error) {
	h, err := readHeader(r)
	if err != nil {
		return pdu{}, err
	}
	body := make([]byte, h.Length-8)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return pdu{}, fmt.Errorf("rtr: read body: %w", err)
		}
	}

	switch h.Type {
	case pduCacheResponse:
		return pdu{Header: h, CacheResp: &cacheResponsePDU{Version: h.Version, SessionID: h.Field}}, nil

	case pduIPv4Prefix:
		p, err := decodeIPv4Prefix(body)
		if err != nil {
			return pdu{}, err
		}
		return pdu{Header: h, IPPrefix: p}, nil

	case pduIPv6Prefix:
		p, err := decodeIPv6Prefix(body)
		if err != nil {
			return pdu{}, err
		}
		return pdu{Header: h, IPPrefix: p}, nil

	case pduEndOfData:
		e, err := decodeEndOfData(h, body)
		if err != nil {
			return pdu{}, err
		}
		return pdu{Header: h, EndOfData: e}, nil

	case pduCacheReset:
		return pdu{Header: h, CacheReset: &cacheResetPDU{}}, nil

	case pduRouterKey:
		return pdu{Header: h, RouterKey: &routerKeyPDU{}}, nil

	case pduErrorReport:
		e, err := decodeErrorReport(h, body)
		if err != nil {
			return pdu{}, err
		}
		return pdu{Header: h, ErrorReport: e}, nil

	default:
		return pdu{Header: h}, nil
	}
}

// decodeIPv4Prefix parses an RFC 8210 §5.6 body (without the 8-byte header):
// flags(1) prefix_len(1) max_len(1) zero(1) addr(4) asn(4) = 12 bytes.
func decodeIPv4Prefix(body []byte) (*ipPrefixPDU, error) {
	if len(body) != 12 {
		return nil, fmt.Errorf("rtr: ipv4 prefix body has %d bytes, want 12", len(body))
	}
	addr := netip.AddrFrom4([4]byte(body[4:8]))
	return &ipPrefixPDU{
		Flags:     body[0],
		PrefixLen: body[1],
		MaxLen:    body[2],
		Addr:      addr,
		ASN:       binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

// decodeIPv6Prefix parses an RFC 8210 §5.7 body: flags(1) prefix_len(1)
// max_len(1) zero(1) addr(16) asn(4) = 24 bytes.
func decodeIPv6Prefix(body []byte) (*ipPrefixPDU, error) {
	if len(body) != 24 {
		return nil, fmt.Errorf("rtr: ipv6 prefix body has %d bytes, want 24", len(body))
	}
	addr := netip.AddrFrom16([16]byte(body[4:20]))
	return &ipPrefixPDU{
		Flags:     body[0],
		PrefixLen: body[1],
		MaxLen:    body[2],
		Addr:      addr,
		ASN:       binary.BigEndian.Uint32(body[20:24]),
	}, nil
}

// decodeEndOfData parses RFC 8210 §5.8. Version 0 bodies are 4 bytes
// (serial only); version 1 bodies are 16 bytes (serial + three timers).
func decodeEndOfData(h header, body []byte) (*endOfDataPDU, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("rtr: end-of-data body has %d bytes, want >= 4", len(body))
	}
	e := &endOfDataPDU{
		Version:      h.Version,
		SessionID:    h.Field,
		SerialNumber: binary.BigEndian.Uint32(body[0:4]),
	}
	if h.Version >= 1 && len(body) >= 16 {
		e.RefreshInterval = binary.BigEndian.Uint32(body[4:8])
		e.RetryInterval = binary.BigEndian.Uint32(body[8:12])
		e.ExpireInterval = binary.BigEndian.Uint32(body[12:16])
	}
	return e, nil
}

// decodeErrorReport parses RFC 8210 §5.10: a length-prefixed copy of the
// offending PDU followed by a length-prefixed UTF-8 error text. Only the
// text is surfaced; the echoed PDU is skipped. The error code itself
// travels in the 8-byte header's Field, not in the body.
func decodeErrorReport(h header, body []byte) (*errorReportPDU, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("rtr: error report body too short: %d bytes", len(body))
	}
	pduLen := binary.BigEndian.Uint32(body[0:4])
	off := 4 + int(pduLen)
	if off+4 > len(body) {
		return nil, fmt.Errorf("rtr: error report body truncated")
	}
	textLen := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	if off+int(textLen) > len(body) {
		return nil, fmt.Errorf("rtr: error report text truncated")
	}
	text := string(body[off : off+int(textLen)])
	return &errorReportPDU{Code: errorCode(h.Field), Text: text}, nil
}
