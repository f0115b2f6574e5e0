package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/fgeck/gopgbackup/internal/services/catalog"
	"github.com/fgeck/gopgbackup/internal/services/dumper"
	"github.com/fgeck/gopgbackup/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var connect bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate the configuration without executing any backup operations.
With --connect, also connect to the server and list the databases a run would dump.`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func init() {
	addSettingsFlags(validateCmd.Flags())
	validateCmd.Flags().BoolVar(&connect, "connect", false, "connect to PostgreSQL (and the SSH shutdown host) to check reachability")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	printSummary(cfg)

	if !connect {
		return nil
	}
	return checkTargets(cmd.Context(), cfg)
}

func printSummary(cfg *models.Config) {
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Server:")
	fmt.Printf("  Address: %s\n", cfg.Target.Addr())
	fmt.Printf("  User: %s\n", cfg.Target.Username)
	fmt.Printf("  Maintenance DB: %s\n", cfg.Target.MaintenanceDB)
	fmt.Printf("  SSL: %v\n", cfg.Target.SSL)
	fmt.Println()
	fmt.Println("Backup:")
	fmt.Printf("  Directory: %s\n", cfg.Backup.BaseDirectory)
	fmt.Printf("  Exclude: %q\n", cfg.Backup.ExcludePattern)
	fmt.Printf("  Compression: %s\n", cfg.Backup.Compression)
	fmt.Printf("  Jobs: %d\n", cfg.Backup.Jobs)
	fmt.Printf("  Roles: %v (passwords: %v)\n", cfg.Backup.BackupRoles, cfg.Backup.RolePasswords)
	fmt.Printf("  Ownership: %v\n", cfg.Backup.IncludeOwnership)
	fmt.Printf("  Strict: %v\n", cfg.Backup.Strict)
	fmt.Printf("  Retention: %s\n", cfg.Retention)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  Offsite: %v\n", cfg.Offsite != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  SSH Shutdown: %v\n", cfg.SSHShutdown != nil)

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		fmt.Printf("  Timeout: %s\n", cfg.WOL.Timeout)
	}

	if cfg.Offsite != nil {
		fmt.Println()
		fmt.Println("Offsite Configuration:")
		fmt.Printf("  Bucket: %s\n", cfg.Offsite.Bucket)
		fmt.Printf("  Prefix: %s\n", cfg.Offsite.Prefix)
		fmt.Printf("  Region: %s\n", cfg.Offsite.Region)
		if cfg.Offsite.Endpoint != "" {
			fmt.Printf("  Endpoint: %s\n", cfg.Offsite.Endpoint)
		}
	}

	if cfg.SSHShutdown != nil {
		fmt.Println()
		fmt.Println("SSH Shutdown Configuration:")
		fmt.Printf("  Host: %s\n", cfg.SSHShutdown.Host)
		fmt.Printf("  Port: %d\n", cfg.SSHShutdown.Port)
		fmt.Printf("  Username: %s\n", cfg.SSHShutdown.Username)
		fmt.Printf("  Shutdown Delay: %d minute(s)\n", cfg.SSHShutdown.ShutdownDelay)
		fmt.Printf("  Only On Success: %v\n", cfg.SSHShutdown.OnlyOnSuccess)
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}
}

func checkTargets(ctx context.Context, cfg *models.Config) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := dumper.New(log.Logger).CheckTools(); err != nil {
		log.Warn().Err(err).Msg("dump tools missing on this machine")
	}

	exclude, err := cfg.Backup.Exclude()
	if err != nil {
		return err
	}

	databases, err := catalog.New(log.Logger).ListDatabases(ctx, cfg.Target, exclude)
	if err != nil {
		log.Error().Err(err).Str("host", cfg.Target.Addr()).Msg("cannot list databases")
		return err
	}

	fmt.Println()
	fmt.Printf("Databases to dump (%d):\n", len(databases))
	for _, db := range databases {
		fmt.Printf("  %s\n", db)
	}

	if cfg.SSHShutdown != nil {
		result, err := ssh.New(log.Logger).TestConnection(ctx, *cfg.SSHShutdown)
		if err == nil {
			err = result.Error
		}
		if err != nil {
			log.Error().Err(err).Str("host", cfg.SSHShutdown.Host).Msg("SSH shutdown host unreachable")
			return err
		}
		fmt.Println()
		fmt.Printf("SSH shutdown host %s: reachable\n", cfg.SSHShutdown.Host)
	}

	return nil
}
