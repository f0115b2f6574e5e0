package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fgeck/gopgbackup/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the backup workflow",
	Long: `Execute one backup pass:
1. Wake-on-LAN (if configured)
2. Check that pg_dump and pg_dumpall are installed
3. Write a temporary pgpass file
4. Dump roles and grants (if --roles)
5. List databases and dump each one
6. Upload new dumps to S3 (if configured)
7. Remove dumps matching the retention age
8. Remove the pgpass file
9. Send Telegram notification (if configured)
10. SSH shutdown (if configured)

Dump failures are logged and the remaining databases are still dumped.
With --strict the command then exits non-zero.`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func init() {
	addSettingsFlags(runCmd.Flags())
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("host", cfg.Target.Addr()).
		Str("directory", cfg.Backup.BaseDirectory).
		Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := runner.New(log.Logger).Run(ctx, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	if failed := report.Failed(); len(failed) > 0 {
		log.Warn().Int("failed", len(failed)).Msg("backup completed with failures")
		return nil
	}

	log.Info().Msg("backup completed successfully")
	return nil
}
