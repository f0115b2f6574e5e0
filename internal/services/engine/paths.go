package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/gopgbackup/internal/services/codec"
)

const dateLayout = "20060102"

// HostDir returns the per-host directory under base.
func HostDir(base, host string) string {
	return filepath.Join(base, safeName(host))
}

// DatabasePath returns <base>/<host>/db-<database>-<YYYYMMDD>.sql<ext>.
func DatabasePath(base, host, database string, c codec.Codec, date time.Time) string {
	name := fmt.Sprintf("db-%s-%s.sql%s", safeName(database), date.Format(dateLayout), c.Extension())
	return filepath.Join(HostDir(base, host), name)
}

// RolesPath returns <base>/<host>/roles-<host>-<YYYYMMDD>.sql.
func RolesPath(base, host string, date time.Time) string {
	name := fmt.Sprintf("roles-%s-%s.sql", safeName(host), date.Format(dateLayout))
	return filepath.Join(HostDir(base, host), name)
}

// safeName keeps database names containing a path separator inside the host directory.
func safeName(s string) string {
	return strings.ReplaceAll(s, string(filepath.Separator), "_")
}
