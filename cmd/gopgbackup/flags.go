package main

import (
	"errors"

	"github.com/fgeck/gopgbackup/internal/config"
	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addSettingsFlags registers the flags that map onto config keys.
// Defaults live in config.NewParser; the values here are for --help only.
func addSettingsFlags(fs *pflag.FlagSet) {
	fs.StringP("host", "H", "", "PostgreSQL host (required)")
	fs.IntP("port", "p", 5432, "PostgreSQL port")
	fs.StringP("user", "U", "", "PostgreSQL user (required)")
	fs.StringP("password", "P", "", "PostgreSQL password (prefer GOPGBACKUP_POSTGRES_PASSWORD)")
	fs.String("maintenance-db", "postgres", "database to connect to for listing databases and roles")
	fs.Bool("ssl", false, "require SSL for every connection; without it SSL is disabled (sslmode=disable) for the catalog query and the dump tools")
	fs.StringP("dir", "d", "$HOME/backups", "base backup directory")
	fs.StringP("exclude", "e", "postgres", "regular expression of database names to skip (unanchored)")
	fs.BoolP("roles", "r", false, "also dump roles and grants with pg_dumpall")
	fs.Bool("no-role-passwords", false, "omit role password hashes from the roles dump")
	fs.Bool("no-owner", false, "dump without ownership commands")
	fs.String("compression", "gzip", "compression codec: gzip, lz4, zstd")
	fs.IntP("jobs", "j", 1, "number of databases dumped concurrently")
	fs.Bool("strict", false, "exit non-zero when any dump fails")
	fs.StringP("retention", "a", "+5", "delete files whose age in days matches, find -mtime style (use --retention=-N for younger than)")
}

// loadConfig builds the run configuration from flags, env and --config.
// Missing required settings print usage.
func loadConfig(cmd *cobra.Command) (*models.Config, error) {
	parser := config.NewParser()
	if err := parser.BindFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	var (
		cfg *models.Config
		err error
	)
	if configFile != "" {
		cfg, err = parser.LoadFile(configFile)
	} else {
		cfg, err = parser.Load()
	}
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		if errors.Is(err, config.ErrMissingRequired) {
			_ = cmd.Usage()
		}
		return nil, err
	}

	return cfg, nil
}
