// Package fetch opens local paths and http(s) URLs as plain byte
// streams, transparently decompressing bzip2/gzip/zstd payloads by file
// extension. It generalizes the teacher's stages/read.go (the bgpipe
// "read" stage's path/URL opening and --decompress=auto handling) into a
// reusable helper for the MRT search pipeline (spec §4.7/§6.2).
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"

	"github.com/bgpkit/monocle/internal/merr"
)

// Format names the decompression to apply. FormatAuto selects by file
// extension; the rest force a specific codec regardless of extension.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatNone  Format = "none"
	FormatGzip  Format = "gz"
	FormatZstd  Format = "zstd"
	FormatBzip2 Format = "bz2"
)

// Stream is an opened, decompressed byte stream. Close releases both the
// decompressor (if any) and the underlying file or HTTP body.
type Stream struct {
	io.Reader
	closeDecoder func() error
	closeSource  func() error
}

// Close releases the decompressor then the underlying source, in that
// order, returning the first error encountered.
func (s *Stream) Close() error {
	var err error
	if s.closeDecoder != nil {
		if e := s.closeDecoder(); e != nil {
			err = e
		}
	}
	if s.closeSource != nil {
		if e := s.closeSource(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Open opens loc — a local filesystem path or an http(s) URL — and wraps
// it in a decompressing reader chosen by format (FormatAuto picks the
// codec from the path's last extension; see detectCodec).
func Open(ctx context.Context, loc string, format Format) (*Stream, error) {
	src, sourcePath, err := openSource(ctx, loc)
	if err != nil {
		return nil, err
	}

	codec := format
	if codec == FormatAuto || codec == "" {
		codec = detectCodec(sourcePath)
	}

	switch codec {
	case FormatBzip2:
		r, err := bzip2.NewReader(src, nil)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("%w: bzip2: %v", merr.ErrInvalidInput, err)
		}
		return &Stream{Reader: r, closeDecoder: func() error { return r.Close() }, closeSource: src.Close}, nil

	case FormatGzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("%w: gzip: %v", merr.ErrInvalidInput, err)
		}
		return &Stream{Reader: r, closeDecoder: func() error { r.Close(); return nil }, closeSource: src.Close}, nil

	case FormatZstd:
		r, err := zstd.NewReader(src)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("%w: zstd: %v", merr.ErrInvalidInput, err)
		}
		return &Stream{Reader: r, closeDecoder: func() error { r.Close(); return nil }, closeSource: src.Close}, nil

	case FormatNone, "":
		return &Stream{Reader: src, closeSource: src.Close}, nil

	default:
		src.Close()
		return nil, fmt.Errorf("%w: unknown decompression format %q", merr.ErrInvalidInput, codec)
	}
}

// openSource opens loc as either a local file or an HTTP(S) GET stream,
// returning the source's path (for extension-based codec detection).
func openSource(ctx context.Context, loc string) (io.ReadCloser, string, error) {
	if strings.Contains(loc, "://") {
		u, err := url.Parse(loc)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid URL %q: %v", merr.ErrInvalidInput, loc, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, "", fmt.Errorf("%w: unsupported URL scheme %q", merr.ErrInvalidInput, u.Scheme)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", merr.ErrInvalidInput, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("%w: fetch %s: %v", merr.ErrUpstream, loc, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("%w: fetch %s: %s", merr.ErrUpstream, loc, resp.Status)
		}
		return resp.Body, u.Path, nil
	}

	clean := path.Clean(loc)
	fh, err := os.Open(clean)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %s: %v", merr.ErrInvalidInput, clean, err)
	}
	return fh, clean, nil
}

// detectCodec picks a Format from the path's last extension
// (case-insensitive): .bz2, .gz, .zst/.zstd, anything else is FormatNone.
func detectCodec(p string) Format {
	switch path.Ext(strings.ToLower(p)) {
	case ".bz2":
		return FormatBzip2
	case ".gz":
		return FormatGzip
	case ".zstd", ".zst":
		return FormatZstd
	default:
		return FormatNone
	}
}
