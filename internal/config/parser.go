// Package config builds a models.Config from flags, environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/fgeck/gopgbackup/internal/services/codec"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. GOPGBACKUP_POSTGRES_PASSWORD.
const EnvPrefix = "GOPGBACKUP"

// ErrMissingRequired marks a required setting that was not provided.
var ErrMissingRequired = errors.New("missing required setting")

// FlagKeys maps CLI flag names to configuration keys.
var FlagKeys = map[string]string{
	"host":              "postgres.host",
	"port":              "postgres.port",
	"user":              "postgres.username",
	"password":          "postgres.password",
	"maintenance-db":    "postgres.maintenance_db",
	"ssl":               "postgres.ssl",
	"dir":               "backup.directory",
	"exclude":           "backup.exclude",
	"roles":             "backup.roles",
	"no-role-passwords": "backup.no_role_passwords",
	"no-owner":          "backup.no_owner",
	"compression":       "backup.compression",
	"jobs":              "backup.jobs",
	"strict":            "backup.strict",
	"retention":         "retention.age",
}

// envRef matches ${VAR} references in file values. A bare $ is literal.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Parser handles configuration parsing.
type Parser struct {
	v     *viper.Viper
	flags map[string]*pflag.Flag // bound flags by config key
}

// NewParser creates a new configuration parser with defaults and env overrides.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.maintenance_db", "postgres")
	v.SetDefault("backup.directory", defaultDirectory())
	v.SetDefault("backup.exclude", "postgres")
	v.SetDefault("backup.compression", codec.Gzip)
	v.SetDefault("backup.jobs", 1)
	v.SetDefault("retention.age", "+5")

	return &Parser{v: v, flags: map[string]*pflag.Flag{}}
}

func defaultDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "backups"
	}
	return filepath.Join(home, "backups")
}

// BindFlags lets explicitly set flags override file and env values.
func (p *Parser) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := p.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
		p.flags[key] = f
	}
	return nil
}

// Load parses configuration from flags and environment only.
func (p *Parser) Load() (*models.Config, error) {
	return p.parse()
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	cfg.Target = models.ConnectionTarget{
		Host:          p.v.GetString("postgres.host"),
		Port:          p.v.GetInt("postgres.port"),
		Username:      p.getExpanded("postgres.username"),
		Password:      p.getExpanded("postgres.password"),
		SSL:           p.v.GetBool("postgres.ssl"),
		MaintenanceDB: p.v.GetString("postgres.maintenance_db"),
	}

	cfg.Backup = models.BackupSettings{
		BaseDirectory:    p.getExpanded("backup.directory"),
		ExcludePattern:   p.v.GetString("backup.exclude"),
		BackupRoles:      p.v.GetBool("backup.roles"),
		RolePasswords:    !p.v.GetBool("backup.no_role_passwords"),
		IncludeOwnership: !p.v.GetBool("backup.no_owner"),
		Compression:      strings.ToLower(p.v.GetString("backup.compression")),
		Jobs:             p.v.GetInt("backup.jobs"),
		Strict:           p.v.GetBool("backup.strict"),
	}

	age, err := models.ParseRetentionAge(p.v.GetString("retention.age"))
	if err != nil {
		return nil, fmt.Errorf("retention.age: %w", err)
	}
	cfg.Retention = age

	if p.v.IsSet("wol") {
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("wol.mac_address is required when wol is configured")
		}
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	if p.v.IsSet("offsite") {
		cfg.Offsite = &models.OffsiteConfig{
			Bucket:    p.v.GetString("offsite.bucket"),
			Prefix:    p.v.GetString("offsite.prefix"),
			Region:    p.v.GetString("offsite.region"),
			Endpoint:  p.v.GetString("offsite.endpoint"),
			AccessKey: p.getExpanded("offsite.access_key"),
			SecretKey: p.getExpanded("offsite.secret_key"),
			PathStyle: p.v.GetBool("offsite.path_style"),
		}

		if cfg.Offsite.Bucket == "" {
			return nil, fmt.Errorf("offsite.bucket is required when offsite is configured")
		}
		if cfg.Offsite.Region == "" {
			cfg.Offsite.Region = "us-east-1"
		}
		if (cfg.Offsite.AccessKey == "") != (cfg.Offsite.SecretKey == "") {
			return nil, fmt.Errorf("offsite.access_key and offsite.secret_key must be set together")
		}
	}

	if p.v.IsSet("ssh_shutdown") {
		cfg.SSHShutdown = &models.SSHShutdownConfig{
			Host:          p.v.GetString("ssh_shutdown.host"),
			Port:          p.v.GetInt("ssh_shutdown.port"),
			Username:      p.v.GetString("ssh_shutdown.username"),
			KeyPath:       p.getExpanded("ssh_shutdown.key_path"),
			ShutdownDelay: p.v.GetInt("ssh_shutdown.shutdown_delay"),
			OnlyOnSuccess: p.v.GetBool("ssh_shutdown.only_on_success"),
		}

		if cfg.SSHShutdown.Host == "" {
			cfg.SSHShutdown.Host = cfg.Target.Host
		}
		if cfg.SSHShutdown.Port == 0 {
			cfg.SSHShutdown.Port = 22
		}
		if cfg.SSHShutdown.Username == "" {
			cfg.SSHShutdown.Username = "root"
		}
		if cfg.SSHShutdown.KeyPath == "" {
			return nil, fmt.Errorf("ssh_shutdown.key_path is required when ssh_shutdown is configured")
		}
		if !p.v.IsSet("ssh_shutdown.shutdown_delay") {
			cfg.SSHShutdown.ShutdownDelay = 1
		}
		if cfg.SSHShutdown.ShutdownDelay < 0 {
			return nil, fmt.Errorf("ssh_shutdown.shutdown_delay must not be negative")
		}
	}

	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.getExpanded("telegram.bot_token"),
			ChatID:   p.getExpanded("telegram.chat_id"),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getExpanded returns key with ${VAR} references expanded when the value
// came from the config file. Flag and GOPGBACKUP_* values are used verbatim.
func (p *Parser) getExpanded(key string) string {
	value := p.v.GetString(key)
	if f, ok := p.flags[key]; ok && f.Changed {
		return value
	}
	if _, ok := os.LookupEnv(EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); ok {
		return value
	}
	return expandEnv(value)
}

// expandEnv expands ${VAR} references and leaves any other $ untouched.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Validate checks the settings a run cannot start without.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Target.Host == "" {
		return fmt.Errorf("%w: postgres.host (--host)", ErrMissingRequired)
	}
	if cfg.Target.Username == "" {
		return fmt.Errorf("%w: postgres.username (--user)", ErrMissingRequired)
	}
	if cfg.Target.Password == "" {
		return fmt.Errorf("%w: postgres.password (--password or %s_POSTGRES_PASSWORD)", ErrMissingRequired, EnvPrefix)
	}
	if cfg.Target.Port < 1 || cfg.Target.Port > 65535 {
		return fmt.Errorf("postgres.port must be between 1 and 65535, got %d", cfg.Target.Port)
	}
	if cfg.Target.MaintenanceDB == "" {
		return fmt.Errorf("postgres.maintenance_db must not be empty")
	}

	if cfg.Backup.BaseDirectory == "" {
		return fmt.Errorf("backup.directory must not be empty")
	}
	if _, err := cfg.Backup.Exclude(); err != nil {
		return fmt.Errorf("backup.exclude: %w", err)
	}
	if _, err := codec.Get(cfg.Backup.Compression); err != nil {
		return fmt.Errorf("backup.compression: %w", err)
	}
	if cfg.Backup.Jobs < 1 {
		return fmt.Errorf("backup.jobs must be at least 1, got %d", cfg.Backup.Jobs)
	}

	return nil
}
