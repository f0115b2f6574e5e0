package models

import (
	"net"
	"strconv"
	"time"
)

// ConnectionTarget identifies the PostgreSQL server being backed up.
type ConnectionTarget struct {
	Host          string
	Port          int
	Username      string
	Password      string
	SSL           bool   // forces sslmode=require for every connection
	MaintenanceDB string // database used for the catalog query and pg_dumpall
}

// Addr returns host:port for logging and readiness checks.
func (t ConnectionTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DumpOptions controls a single pg_dump invocation.
type DumpOptions struct {
	Create  bool // --create
	Clean   bool // --clean
	NoOwner bool // --no-owner
}

// RoleDumpOptions controls the pg_dumpall roles invocation.
type RoleDumpOptions struct {
	NoRolePasswords bool
}

// DumpOutcome is the tagged result of dumping one database (or the roles).
// Error is nil on success.
type DumpOutcome struct {
	Database  string
	Path      string
	SizeBytes int64
	Duration  time.Duration
	Error     error
}

// OK reports whether the dump produced an artifact.
func (o DumpOutcome) OK() bool {
	return o.Error == nil
}
