package rtr

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle/internal/merr"
)

// fakeServer speaks just enough RTR to drive Client.Fetch through a
// fixed script of PDUs, one write per script entry.
func fakeServer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func writeCacheResponse(conn net.Conn, version uint8, sessionID uint16) {
	buf := make([]byte, 8)
	buf[0] = version
	buf[1] = byte(pduCacheResponse)
	binary.BigEndian.PutUint16(buf[2:4], sessionID)
	binary.BigEndian.PutUint32(buf[4:8], 8)
	conn.Write(buf)
}

func writeIPv4Prefix(conn net.Conn, version uint8, flags uint8, prefixLen, maxLen uint8, addr [4]byte, asn uint32) {
	buf := make([]byte, 20)
	buf[0] = version
	buf[1] = byte(pduIPv4Prefix)
	binary.BigEndian.PutUint32(buf[4:8], 20)
	buf[8] = flags
	buf[9] = prefixLen
	buf[10] = maxLen
	copy(buf[12:16], addr[:])
	binary.BigEndian.PutUint32(buf[16:20], asn)
	conn.Write(buf)
}

func writeEndOfData(conn net.Conn, version uint8, sessionID uint16, serial uint32) {
	length := uint32(12)
	if version >= 1 {
		length = 24
	}
	buf := make([]byte, length)
	buf[0] = version
	buf[1] = byte(pduEndOfData)
	binary.BigEndian.PutUint16(buf[2:4], sessionID)
	binary.BigEndian.PutUint32(buf[4:8], length)
	binary.BigEndian.PutUint32(buf[8:12], serial)
	conn.Write(buf)
}

func writeErrorReport(conn net.Conn, code errorCode) {
	// no offending PDU echoed (pduLen=0), no text (textLen=0)
	body := make([]byte, 8)
	buf := make([]byte, 8+len(body))
	buf[0] = 1
	buf[1] = byte(pduErrorReport)
	binary.BigEndian.PutUint16(buf[2:4], uint16(code))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	conn.Write(buf)
}

func readResetQuery(conn net.Conn) uint8 {
	var hdr [8]byte
	io.ReadFull(conn, hdr[:])
	return hdr[0]
}

func TestFetchHappyPath(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readResetQuery(conn)
		writeCacheResponse(conn, 1, 42)
		writeIPv4Prefix(conn, 1, flagAnnounce, 24, 24, [4]byte{1, 0, 0, 0}, 13335)
		writeEndOfData(conn, 1, 42, 7)
	})

	c := New(addr, false, 5*time.Second, zerolog.Nop())
	roas, session, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, roas, 1)
	require.Equal(t, uint32(13335), roas[0].OriginASN)
	require.Equal(t, uint8(24), roas[0].MaxLength)
	require.Equal(t, "", roas[0].TA)
	require.Equal(t, uint16(42), session.SessionID)
	require.Equal(t, uint32(7), session.Serial)
}

func TestFetchDowngradesToV0OnUnsupportedVersion(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		v := readResetQuery(conn)
		require.Equal(t, uint8(1), v)
		writeErrorReport(conn, errUnsupportedProtoVer)

		v = readResetQuery(conn)
		require.Equal(t, uint8(0), v)
		writeCacheResponse(conn, 0, 7)
		writeIPv4Prefix(conn, 0, flagAnnounce, 8, 8, [4]byte{10, 0, 0, 0}, 100)
		writeEndOfData(conn, 0, 7, 3)
	})

	c := New(addr, false, 5*time.Second, zerolog.Nop())
	roas, session, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, roas, 1)
	require.Equal(t, uint8(0), session.ProtocolVersion)
	require.Equal(t, uint32(3), session.Serial)
}

func TestFetchNonVersionErrorAtV1IsFatal(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		v := readResetQuery(conn)
		require.Equal(t, uint8(1), v)
		writeErrorReport(conn, errInvalidRequest)
	})

	c := New(addr, false, 5*time.Second, zerolog.Nop())
	_, _, err := c.Fetch(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, merr.ErrProtocol))
}

func TestFetchCacheResetIsAnError(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		readResetQuery(conn)
		buf := make([]byte, 8)
		buf[1] = byte(pduCacheReset)
		binary.BigEndian.PutUint32(buf[4:8], 8)
		conn.Write(buf)
	})

	c := New(addr, false, 5*time.Second, zerolog.Nop())
	_, _, err := c.Fetch(context.Background())
	require.Error(t, err)
}
