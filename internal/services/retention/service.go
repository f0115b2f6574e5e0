// Package retention removes backup artifacts past their retention age.
package retention

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for retention pruning.
type Service interface {
	Prune(ctx context.Context, baseDir string, age models.RetentionAge, now time.Time, protect []string) (*Result, error)
}

// Result holds the outcome of a prune pass.
type Result struct {
	Removed []string
	Kept    int
	Failed  int
}

// Impl implements the retention Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new retention service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Prune walks baseDir and removes every regular file whose age matches age.
// Files in protect and files modified after now are never removed. Per-file
// failures are logged and skipped; only cancellation is returned as an error.
func (s *Impl) Prune(ctx context.Context, baseDir string, age models.RetentionAge, now time.Time, protect []string) (*Result, error) {
	result := &Result{}

	protected := make(map[string]struct{}, len(protect))
	for _, p := range protect {
		protected[filepath.Clean(p)] = struct{}{}
	}

	s.logger.Info().
		Str("directory", baseDir).
		Str("age", age.String()).
		Msg("pruning old backups")

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			s.logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished during the walk
		}

		if _, ok := protected[filepath.Clean(path)]; ok || info.ModTime().After(now) || !age.Matches(info.ModTime(), now) {
			result.Kept++
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Failed++
			s.logger.Debug().Err(err).Str("path", path).Msg("failed to remove old backup")
			return nil
		}

		result.Removed = append(result.Removed, path)
		s.logger.Debug().Str("path", path).Time("mtime", info.ModTime()).Msg("removed old backup")
		return nil
	})
	if err != nil {
		return result, err
	}

	s.logger.Info().
		Int("removed", len(result.Removed)).
		Int("kept", result.Kept).
		Msg("retention applied")

	return result, nil
}
