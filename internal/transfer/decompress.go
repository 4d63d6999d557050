package transfer

import (
	"compress/bzip2"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var compressionSuffixes = []string{".gz", ".bz2", ".zst", ".zstd"}

// CompressionSuffix returns the recognised compression suffix of name, or "".
func CompressionSuffix(name string) string {
	lower := strings.ToLower(name)
	for _, s := range compressionSuffixes {
		if strings.HasSuffix(lower, s) && len(name) > len(s) {
			return name[len(name)-len(s):]
		}
	}
	return ""
}

// StripCompressionSuffix drops a recognised compression suffix.
func StripCompressionSuffix(name string) string {
	return strings.TrimSuffix(name, CompressionSuffix(name))
}

// OpenInput opens path for upload. With decompress set and a compressed
// name, the returned reader yields the decompressed stream.
func OpenInput(path string, decompress bool) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LocalError{Op: "open input", Err: err}
	}
	if !decompress {
		return f, nil
	}
	suffix := strings.ToLower(CompressionSuffix(path))
	switch suffix {
	case "":
		return f, nil
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &LocalError{Op: "gzip " + path, Err: err}
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".bz2":
		return &stackedReader{Reader: bzip2.NewReader(f), closers: []io.Closer{f}}, nil
	default:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &LocalError{Op: "zstd " + path, Err: err}
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	}
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// trackingReader remembers the first read error so a failed upload can be
// attributed to the local input rather than the network.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
