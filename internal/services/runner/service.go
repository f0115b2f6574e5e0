// Package runner orchestrates a backup run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/fgeck/gopgbackup/internal/services/catalog"
	"github.com/fgeck/gopgbackup/internal/services/credentials"
	"github.com/fgeck/gopgbackup/internal/services/dumper"
	"github.com/fgeck/gopgbackup/internal/services/engine"
	"github.com/fgeck/gopgbackup/internal/services/offsite"
	"github.com/fgeck/gopgbackup/internal/services/retention"
	"github.com/fgeck/gopgbackup/internal/services/ssh"
	"github.com/fgeck/gopgbackup/internal/services/telegram"
	"github.com/fgeck/gopgbackup/internal/services/wol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// notifyTimeout bounds the post-run steps, which still run after cancellation.
const notifyTimeout = 30 * time.Second

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.Config) (*models.RunReport, error)
}

// Services bundles the collaborators of a run.
type Services struct {
	Dumper      dumper.Service
	Credentials credentials.Service
	Catalog     catalog.Service
	Engine      engine.Service
	Retention   retention.Service
	Offsite     offsite.Service
	WOL         wol.Service
	Telegram    telegram.Service
	SSH         ssh.Service
	Now         func() time.Time
}

// Impl implements the runner Service interface.
type Impl struct {
	svc    Services
	logger zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	d := dumper.New(logger)
	return NewWithServices(logger, Services{
		Dumper:      d,
		Credentials: credentials.New(logger),
		Catalog:     catalog.New(logger),
		Engine:      engine.NewWithDumper(logger, d),
		Retention:   retention.New(logger),
		Offsite:     offsite.New(logger),
		WOL:         wol.New(logger),
		Telegram:    telegram.New(logger),
		SSH:         ssh.New(logger),
	})
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, svc Services) *Impl {
	if svc.Now == nil {
		svc.Now = time.Now
	}
	return &Impl{svc: svc, logger: logger}
}

// Run executes one backup pass. The returned report is never nil.
func (s *Impl) Run(ctx context.Context, cfg models.Config) (report *models.RunReport, err error) {
	start := s.svc.Now()
	report = &models.RunReport{
		RunID:     uuid.NewString(),
		Host:      cfg.Target.Host,
		StartTime: start,
	}
	logger := s.logger.With().Str("run_id", report.RunID).Logger()

	logger.Info().
		Str("host", cfg.Target.Addr()).
		Str("directory", cfg.Backup.BaseDirectory).
		Str("retention", cfg.Retention.String()).
		Msg("starting backup run")

	defer func() {
		report.Duration = s.svc.Now().Sub(start)
		s.finish(ctx, logger, cfg, report, err)
	}()

	if cfg.WOL != nil {
		if err := s.wake(ctx, logger, cfg); err != nil {
			return report, err
		}
	}

	if err := s.svc.Dumper.CheckTools(); err != nil {
		return report, err
	}

	exclude, err := cfg.Backup.Exclude()
	if err != nil {
		return report, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	creds, err := s.svc.Credentials.Acquire(cfg.Target)
	if err != nil {
		return report, err
	}
	defer func() {
		if rerr := creds.Release(); rerr != nil {
			logger.Warn().Err(rerr).Str("path", creds.Path()).Msg("failed to remove credential file")
		}
	}()
	env := creds.Env()

	if cfg.Backup.BackupRoles {
		outcome := s.svc.Engine.DumpRoles(ctx, cfg.Target, env, cfg.Backup, start)
		report.Roles = &outcome
	}

	databases, err := s.svc.Catalog.ListDatabases(ctx, cfg.Target, exclude)
	if err != nil {
		// Prune is skipped on purpose: without a sweep there are no new dumps,
		// so removing old ones could leave the host with no backup at all.
		return report, err
	}
	logger.Info().Int("count", len(databases)).Strs("databases", databases).Msg("databases selected")

	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Databases = s.svc.Engine.Sweep(ctx, cfg.Target, env, databases, cfg.Backup, start)

	if cfg.Offsite != nil {
		s.upload(ctx, logger, cfg, report)
	}

	pruned, err := s.svc.Retention.Prune(ctx, cfg.Backup.BaseDirectory, cfg.Retention, start, report.Artifacts())
	if pruned != nil {
		report.Pruned = pruned.Removed
	}
	if err != nil {
		return report, fmt.Errorf("prune failed: %w", err)
	}

	if cfg.Backup.Strict {
		return report, report.Err()
	}
	return report, nil
}

func (s *Impl) wake(ctx context.Context, logger zerolog.Logger, cfg models.Config) error {
	result, err := s.svc.WOL.Wake(ctx, *cfg.WOL, cfg.Target.Addr())
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}
	if !result.TargetReady {
		return errors.New("database host did not become ready after WOL")
	}

	logger.Info().
		Bool("packet_sent", result.PacketSent).
		Dur("wait_duration", result.WaitDuration).
		Msg("database host is awake")

	return nil
}

func (s *Impl) upload(ctx context.Context, logger zerolog.Logger, cfg models.Config, report *models.RunReport) {
	files := report.Artifacts()
	if len(files) == 0 {
		return
	}

	result, err := s.svc.Offsite.Upload(ctx, *cfg.Offsite, cfg.Target.Host, files)
	if err != nil {
		logger.Error().Err(err).Msg("offsite upload failed")
		return
	}
	for _, uerr := range result.Errors {
		logger.Error().Err(uerr).Msg("offsite upload failed")
	}
	report.Uploaded = result.Uploaded
}

// finish runs the notification and shutdown steps after credentials are released.
func (s *Impl) finish(ctx context.Context, logger zerolog.Logger, cfg models.Config, report *models.RunReport, runErr error) {
	failed := report.Failed()

	event := logger.Info()
	if runErr != nil || len(failed) > 0 {
		event = logger.Warn().AnErr("run_error", runErr)
	}
	event.
		Int("succeeded", report.Succeeded()).
		Int("failed", len(failed)).
		Int("pruned", len(report.Pruned)).
		Dur("duration", report.Duration).
		Msg("backup run finished")

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if cfg.Telegram != nil {
		result, err := s.svc.Telegram.SendReport(postCtx, *cfg.Telegram, report, runErr)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("failed to send Telegram notification")
		case result.Error != nil:
			logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		}
	}

	if cfg.SSHShutdown == nil {
		return
	}
	if ctx.Err() != nil {
		logger.Info().Msg("run cancelled, skipping remote shutdown")
		return
	}
	if cfg.SSHShutdown.OnlyOnSuccess && (runErr != nil || len(failed) > 0) {
		logger.Info().Msg("run had failures, skipping remote shutdown")
		return
	}

	result, err := s.svc.SSH.Shutdown(postCtx, *cfg.SSHShutdown)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("SSH shutdown failed")
	case result.Error != nil:
		logger.Error().Err(result.Error).Msg("SSH shutdown failed")
	default:
		logger.Info().Str("output", result.Output).Msg("SSH shutdown command sent")
	}
}
