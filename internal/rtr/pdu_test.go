package rtr

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeErrorReportCarriesHeaderCode(t *testing.T) {
	// body: pduLen(4)=0, no echoed PDU, textLen(4)=5, text="nope!"
	body := make([]byte, 0, 13)
	body = binary.BigEndian.AppendUint32(body, 0)
	body = binary.BigEndian.AppendUint32(body, 5)
	body = append(body, "nope!"...)

	h := header{Version: 1, Type: pduErrorReport, Field: uint16(errUnsupportedProtoVer)}
	report, err := decodeErrorReport(h, body)
	require.NoError(t, err)
	require.Equal(t, errUnsupportedProtoVer, report.Code)
	require.Equal(t, "nope!", report.Text)
}

func TestDecodeErrorReportEchoesOffendingPDU(t *testing.T) {
	echoed := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	body := make([]byte, 0, 4+len(echoed)+4+4)
	body = binary.BigEndian.AppendUint32(body, uint32(len(echoed)))
	body = append(body, echoed...)
	body = binary.BigEndian.AppendUint32(body, 4)
	body = append(body, "halt"...)

	h := header{Version: 1, Type: pduErrorReport, Field: uint16(errInvalidRequest)}
	report, err := decodeErrorReport(h, body)
	require.NoError(t, err)
	require.Equal(t, errInvalidRequest, report.Code)
	require.Equal(t, "halt", report.Text)
}

func TestDecodeErrorReportRejectsTruncatedBody(t *testing.T) {
	_, err := decodeErrorReport(header{}, []byte{0, 0, 0})
	require.Error(t, err)
}
