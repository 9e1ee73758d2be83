// Package compression gives scpipe transparent access to compressed
// files. Droplet platforms ship matrix-market triplets gzip-compressed,
// and run reports may be written compressed the same way; the algorithm
// is always implied by the file suffix (.gz, .zst, .lz4), never by
// configuration.
//
//	rc, err := compression.OpenFile("data/matrix.mtx.gz")
//	defer rc.Close()
package compression

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

// ForPath returns the algorithm implied by a file path's suffix.
// Unrecognized suffixes mean None.
func ForPath(path string) Algorithm {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return Gzip
	case strings.HasSuffix(path, ".zst"):
		return Zstd
	case strings.HasSuffix(path, ".lz4"):
		return LZ4
	default:
		return None
	}
}

// OpenFile opens a file for reading, transparently decompressing based
// on its suffix. The returned ReadCloser closes both the decompressor
// and the underlying file.
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from validated config
	if err != nil {
		return nil, err
	}

	switch ForPath(path) {
	case Gzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("gzip reader for %s: %w", path, err)
		}
		return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case Zstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd reader for %s: %w", path, err)
		}
		return &readCloser{Reader: zr.IOReadCloser(), closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	case LZ4:
		return &readCloser{Reader: lz4.NewReader(f), closers: []io.Closer{f}}, nil
	default:
		return f, nil
	}
}

// CreateFile creates a file for writing, transparently compressing based
// on its suffix. The returned WriteCloser flushes the compressor and
// closes the underlying file on Close.
func CreateFile(path string) (io.WriteCloser, error) {
	f, err := os.Create(path) //nolint:gosec // G304: path comes from validated config
	if err != nil {
		return nil, err
	}

	switch ForPath(path) {
	case Gzip:
		zw := gzip.NewWriter(f)
		return &writeCloser{Writer: zw, closers: []io.Closer{zw, f}}, nil
	case Zstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd writer for %s: %w", path, err)
		}
		return &writeCloser{Writer: zw, closers: []io.Closer{zw, f}}, nil
	case LZ4:
		zw := lz4.NewWriter(f)
		return &writeCloser{Writer: zw, closers: []io.Closer{zw, f}}, nil
	default:
		return f, nil
	}
}

// readCloser chains a reader with the closers behind it.
type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc *readCloser) Close() error {
	var firstErr error
	for _, c := range rc.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeCloser chains a writer with the closers behind it.
type writeCloser struct {
	io.Writer
	closers []io.Closer
}

func (wc *writeCloser) Close() error {
	var firstErr error
	for _, c := range wc.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
