// Package engine dumps databases and roles into dated backup artifacts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/fgeck/gopgbackup/internal/services/codec"
	"github.com/fgeck/gopgbackup/internal/services/dumper"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const partSuffix = ".part"

// passwordClause matches the PASSWORD '...' part of CREATE/ALTER ROLE.
var passwordClause = regexp.MustCompile(`(?i)\s+PASSWORD\s+'(?:[^']|'')*'`)

// Service defines the interface for producing backup artifacts.
type Service interface {
	Sweep(ctx context.Context, target models.ConnectionTarget, env []string, databases []string, settings models.BackupSettings, date time.Time) []models.DumpOutcome
	DumpDatabase(ctx context.Context, target models.ConnectionTarget, env []string, database string, settings models.BackupSettings, date time.Time) models.DumpOutcome
	DumpRoles(ctx context.Context, target models.ConnectionTarget, env []string, settings models.BackupSettings, date time.Time) models.DumpOutcome
}

// Impl implements the engine Service interface.
type Impl struct {
	dumper dumper.Service
	logger zerolog.Logger
}

// New creates a new engine backed by pg_dump and pg_dumpall.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		dumper: dumper.New(logger),
		logger: logger,
	}
}

// NewWithDumper creates a new engine with a custom dumper (for testing).
func NewWithDumper(logger zerolog.Logger, d dumper.Service) *Impl {
	return &Impl{
		dumper: d,
		logger: logger,
	}
}

// Sweep dumps every database, at most settings.Jobs at a time. A failed dump
// never stops the others. Outcomes are returned in the order of databases.
func (s *Impl) Sweep(ctx context.Context, target models.ConnectionTarget, env []string, databases []string, settings models.BackupSettings, date time.Time) []models.DumpOutcome {
	outcomes := make([]models.DumpOutcome, len(databases))

	jobs := settings.Jobs
	if jobs < 1 {
		jobs = 1
	}

	// Not errgroup.WithContext: one failure must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(jobs)

	for i, database := range databases {
		if err := ctx.Err(); err != nil {
			outcomes[i] = models.DumpOutcome{Database: database, Error: err}
			continue
		}

		i, database := i, database
		g.Go(func() error {
			outcomes[i] = s.DumpDatabase(ctx, target, env, database, settings, date)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// DumpDatabase runs pg_dump for database and writes the compressed output.
func (s *Impl) DumpDatabase(ctx context.Context, target models.ConnectionTarget, env []string, database string, settings models.BackupSettings, date time.Time) models.DumpOutcome {
	start := time.Now()
	outcome := models.DumpOutcome{Database: database}

	c, err := codec.Get(settings.Compression)
	if err != nil {
		outcome.Error = err
		return s.finish(outcome, start)
	}
	outcome.Path = DatabasePath(settings.BaseDirectory, target.Host, database, c, date)

	s.logger.Info().
		Str("database", database).
		Str("output", outcome.Path).
		Msg("starting database dump")

	if err := os.MkdirAll(filepath.Dir(outcome.Path), 0o750); err != nil {
		outcome.Error = fmt.Errorf("failed to create output directory: %w", err)
		return s.finish(outcome, start)
	}

	stream, err := s.dumper.Dump(ctx, target, env, database, models.DumpOptions{
		Create:  true,
		Clean:   true,
		NoOwner: !settings.IncludeOwnership,
	})
	if err != nil {
		outcome.Error = err
		return s.finish(outcome, start)
	}

	outcome.SizeBytes, outcome.Error = writeArtifact(outcome.Path, stream, func(w io.Writer, r io.Reader) error {
		_, err := codec.Compress(c, w, r)
		return err
	})

	return s.finish(outcome, start)
}

// DumpRoles runs pg_dumpall --roles-only and writes the output uncompressed.
func (s *Impl) DumpRoles(ctx context.Context, target models.ConnectionTarget, env []string, settings models.BackupSettings, date time.Time) models.DumpOutcome {
	start := time.Now()
	outcome := models.DumpOutcome{
		Database: "roles",
		Path:     RolesPath(settings.BaseDirectory, target.Host, date),
	}

	s.logger.Info().
		Str("output", outcome.Path).
		Bool("role_passwords", settings.RolePasswords).
		Msg("starting roles dump")

	if err := os.MkdirAll(filepath.Dir(outcome.Path), 0o750); err != nil {
		outcome.Error = fmt.Errorf("failed to create output directory: %w", err)
		return s.finish(outcome, start)
	}

	stream, err := s.dumper.DumpRoles(ctx, target, env, models.RoleDumpOptions{
		NoRolePasswords: !settings.RolePasswords,
	})
	if err != nil {
		outcome.Error = err
		return s.finish(outcome, start)
	}

	copyFn := func(w io.Writer, r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	}
	if !settings.RolePasswords {
		copyFn = copyWithoutPasswords
	}

	outcome.SizeBytes, outcome.Error = writeArtifact(outcome.Path, stream, copyFn)

	return s.finish(outcome, start)
}

func (s *Impl) finish(outcome models.DumpOutcome, start time.Time) models.DumpOutcome {
	outcome.Duration = time.Since(start)

	if outcome.Error != nil {
		s.logger.Error().
			Err(outcome.Error).
			Str("database", outcome.Database).
			Msg("dump failed")
		return outcome
	}

	s.logger.Info().
		Str("database", outcome.Database).
		Str("output", outcome.Path).
		Int64("size_bytes", outcome.SizeBytes).
		Dur("duration", outcome.Duration).
		Msg("dump completed")

	return outcome
}

// copyWithoutPasswords strips PASSWORD clauses. Roles dumps are small enough
// to hold in memory.
func copyWithoutPasswords(w io.Writer, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = w.Write(passwordClause.ReplaceAll(data, nil))
	return err
}

// writeArtifact copies stream into path via a .part file that is renamed into
// place only if both the copy and the stream's Close succeed.
func writeArtifact(path string, stream io.ReadCloser, copyFn func(io.Writer, io.Reader) error) (int64, error) {
	tmp := path + partSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // path is built by this package
	if err != nil {
		_ = stream.Close()
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	copyErr := copyFn(f, stream)
	closeErr := stream.Close()
	syncErr := f.Sync()
	fileErr := f.Close()

	if err := errors.Join(closeErr, copyErr, syncErr, fileErr); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, nil //nolint:nilerr // size is informational
	}
	return info.Size(), nil
}
