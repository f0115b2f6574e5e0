// Package codec provides the stream compressors used for database dumps.
package codec

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Supported codec names.
const (
	Gzip = "gzip"
	Zstd = "zstd"
	LZ4  = "lz4"
)

// Codec compresses and decompresses byte streams.
type Codec interface {
	Name() string
	// Extension is appended to ".sql", e.g. ".gz".
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[string]Codec{
	Gzip: gzipCodec{},
	Zstd: zstdCodec{},
	LZ4:  lz4Codec{},
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unsupported compression %q, must be one of: %s", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// ForPath picks a codec from the file extension of path.
func ForPath(path string) (Codec, error) {
	for _, c := range codecs {
		if strings.HasSuffix(path, c.Extension()) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no codec for %s", path)
}

// Names returns the supported codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compress copies src into dst through c and returns the uncompressed byte count.
func Compress(c Codec, dst io.Writer, src io.Reader) (int64, error) {
	w, err := c.NewWriter(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s writer: %w", c.Name(), err)
	}

	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("failed to finish %s stream: %w", c.Name(), err)
	}

	return n, nil
}

type gzipCodec struct{}

func (gzipCodec) Name() string      { return Gzip }
func (gzipCodec) Extension() string { return ".gz" }

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.DefaultCompression)
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string      { return Zstd }
func (zstdCodec) Extension() string { return ".zst" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string      { return LZ4 }
func (lz4Codec) Extension() string { return ".lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
