// Package credentials manages the temporary pgpass file used by pg_dump and pg_dumpall.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service defines the interface for credential file operations.
type Service interface {
	Acquire(target models.ConnectionTarget) (*Handle, error)
}

// Handle is an acquired credential file. Release must be called exactly once
// the run no longer needs it; further calls are no-ops.
type Handle struct {
	path   string
	ssl    bool
	once   sync.Once
	err    error
	logger zerolog.Logger
}

// Path returns the location of the pgpass file.
func (h *Handle) Path() string {
	return h.path
}

// Env returns the environment entries that point libpq tools at the file.
// PGSSLMODE matches the sslmode the catalog connection uses.
func (h *Handle) Env() []string {
	mode := "disable"
	if h.ssl {
		mode = "require"
	}
	return []string{"PGPASSFILE=" + h.path, "PGSSLMODE=" + mode}
}

// Release removes the pgpass file. A file that is already gone is not an error.
func (h *Handle) Release() error {
	h.once.Do(func() {
		err := os.Remove(h.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = fmt.Errorf("failed to remove credential file: %w", err)
			return
		}
		h.logger.Debug().Str("path", h.path).Msg("credential file removed")
	})
	return h.err
}

// Impl implements the credentials Service interface.
type Impl struct {
	dir    string
	logger zerolog.Logger
}

// New creates a credential service writing into the system temp directory.
func New(logger zerolog.Logger) *Impl {
	return NewWithDir(logger, os.TempDir())
}

// NewWithDir creates a credential service writing into dir (for testing).
func NewWithDir(logger zerolog.Logger, dir string) *Impl {
	return &Impl{
		dir:    dir,
		logger: logger,
	}
}

// Acquire writes a pgpass file readable only by the current user.
func (s *Impl) Acquire(target models.ConnectionTarget) (*Handle, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("gopgbackup-%s.pgpass", uuid.NewString()))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path is generated above
	if err != nil {
		return nil, fmt.Errorf("failed to create credential file: %w", err)
	}

	h := &Handle{path: path, ssl: target.SSL, logger: s.logger}

	if _, err := f.WriteString(PgpassLine(target) + "\n"); err != nil {
		_ = f.Close()
		_ = h.Release()
		return nil, fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = h.Release()
		return nil, fmt.Errorf("failed to write credential file: %w", err)
	}

	s.logger.Debug().Str("path", path).Msg("credential file created")

	return h, nil
}

// PgpassLine formats host:port:*:user:password with ':' and '\' escaped.
func PgpassLine(target models.ConnectionTarget) string {
	return strings.Join([]string{
		escape(target.Host),
		strconv.Itoa(target.Port),
		"*",
		escape(target.Username),
		escape(target.Password),
	}, ":")
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ":", `\:`)
}
