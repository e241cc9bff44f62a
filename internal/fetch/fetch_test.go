package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenLocalPlain(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "data.mrt")
	require.NoError(t, os.WriteFile(p, []byte("hello mrt"), 0o644))

	s, err := Open(context.Background(), p, FormatAuto)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "hello mrt", string(got))
}

func TestOpenLocalGzipAutoDetected(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "updates.20240101.gz")

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("compressed payload"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	s, err := Open(context.Background(), p, FormatAuto)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "compressed payload", string(got))
}

func TestOpenHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote body"))
	}))
	defer srv.Close()

	s, err := Open(context.Background(), srv.URL+"/dump.mrt", FormatAuto)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "remote body", string(got))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "ftp://example.com/file", FormatAuto)
	require.Error(t, err)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), "/no/such/file.mrt", FormatAuto)
	require.Error(t, err)
}
