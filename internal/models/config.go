// Package models contains the data structures used throughout gopgbackup.
package models

import "regexp"

// Config holds the complete configuration for a backup run.
type Config struct {
	Target      ConnectionTarget
	Backup      BackupSettings
	Retention   RetentionAge
	WOL         *WOLConfig         // nil if not configured
	Offsite     *OffsiteConfig     // nil if not configured
	Telegram    *TelegramConfig    // nil if not configured
	SSHShutdown *SSHShutdownConfig // nil if not configured
}

// BackupSettings holds what to dump and where to put it.
type BackupSettings struct {
	BaseDirectory    string
	ExcludePattern   string
	BackupRoles      bool
	RolePasswords    bool // if false, roles are dumped without password hashes
	IncludeOwnership bool // if false, pg_dump runs with --no-owner
	Compression      string
	Jobs             int  // max concurrent pg_dump processes, 1 = sequential
	Strict           bool // if true, any failed dump fails the run
}

// Exclude compiles ExcludePattern. An empty pattern excludes nothing.
func (b BackupSettings) Exclude() (*regexp.Regexp, error) {
	if b.ExcludePattern == "" {
		return nil, nil
	}
	return regexp.Compile(b.ExcludePattern)
}

// OffsiteConfig holds S3 upload settings for produced artifacts.
type OffsiteConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, for S3-compatible stores such as MinIO
	AccessKey string
	SecretKey string
	PathStyle bool
}

// OffsiteResult holds the result of uploading artifacts.
type OffsiteResult struct {
	Uploaded []string // object keys
	Errors   []error
}
