// Package catalog lists the databases of a PostgreSQL server.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fgeck/gopgbackup/internal/models"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
)

const (
	listQuery             = `SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname`
	connectTimeoutSeconds = 10
)

// Service defines the interface for database enumeration.
type Service interface {
	ListDatabases(ctx context.Context, target models.ConnectionTarget, exclude *regexp.Regexp) ([]string, error)
}

// Opener allows replacing sql.Open in tests.
type Opener func(driverName, dataSourceName string) (*sql.DB, error)

// Impl implements the catalog Service interface.
type Impl struct {
	open   Opener
	logger zerolog.Logger
}

// New creates a new catalog service backed by lib/pq.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		open:   sql.Open,
		logger: logger,
	}
}

// NewWithOpener creates a new catalog service with a custom opener (for testing).
func NewWithOpener(logger zerolog.Logger, open Opener) *Impl {
	return &Impl{
		open:   open,
		logger: logger,
	}
}

// ListDatabases returns all non-template databases whose name does not match
// exclude. The match is unanchored and case-sensitive; a nil exclude keeps
// every database.
func (s *Impl) ListDatabases(ctx context.Context, target models.ConnectionTarget, exclude *regexp.Regexp) ([]string, error) {
	s.logger.Debug().
		Str("host", target.Host).
		Int("port", target.Port).
		Str("database", target.MaintenanceDB).
		Msg("listing databases")

	db, err := s.open("postgres", DSN(target))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to read database name: %w", err)
		}

		if exclude != nil && exclude.MatchString(name) {
			s.logger.Debug().Str("database", name).Msg("database excluded")
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}

	s.logger.Info().
		Int("count", len(names)).
		Strs("databases", names).
		Msg("databases to dump")

	return names, nil
}

// DSN builds a lib/pq key/value connection string for target.
func DSN(target models.ConnectionTarget) string {
	sslmode := "disable"
	if target.SSL {
		sslmode = "require"
	}

	dbname := target.MaintenanceDB
	if dbname == "" {
		dbname = "postgres"
	}

	params := []string{
		"host=" + quote(target.Host),
		"port=" + strconv.Itoa(target.Port),
		"user=" + quote(target.Username),
		"dbname=" + quote(dbname),
		"sslmode=" + sslmode,
		"connect_timeout=" + strconv.Itoa(connectTimeoutSeconds),
		"application_name=gopgbackup",
	}
	if target.Password != "" {
		params = append(params, "password="+quote(target.Password))
	}

	return strings.Join(params, " ")
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
