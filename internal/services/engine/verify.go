package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fgeck/gopgbackup/internal/services/codec"
)

// completionMarker ends every finished pg_dump and pg_dumpall plain-text dump.
const completionMarker = "dump complete"

const tailSize = 512

// VerifyResult describes a checked artifact.
type VerifyResult struct {
	Path         string
	Codec        string // empty for uncompressed artifacts
	SizeBytes    int64  // on disk
	SQLBytes     int64  // after decompression
	HasCompleted bool   // ends with the dump completion comment
}

// Verify decompresses path with the codec implied by its extension and checks
// that the dump ran to completion.
func Verify(path string) (*VerifyResult, error) {
	f, err := os.Open(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	result := &VerifyResult{Path: path, SizeBytes: info.Size()}

	var r io.Reader = f
	if !strings.HasSuffix(path, ".sql") {
		c, err := codec.ForPath(path)
		if err != nil {
			return nil, err
		}
		dr, err := c.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s stream: %w", c.Name(), err)
		}
		defer func() { _ = dr.Close() }()

		r = dr
		result.Codec = c.Name()
	}

	tail := &tailBuffer{size: tailSize}
	n, err := io.Copy(tail, r)
	result.SQLBytes = n
	if err != nil {
		return result, fmt.Errorf("failed to read artifact: %w", err)
	}

	result.HasCompleted = bytes.Contains(tail.buf, []byte(completionMarker))

	return result, nil
}

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	size int
	buf  []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.size {
		t.buf = t.buf[len(t.buf)-t.size:]
	}
	return len(p), nil
}
