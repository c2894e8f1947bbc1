//go:build !cgo

package mapstore

import (
	"database/sql"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
)

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}

// checkDSN rejects remote libsql URLs; the pure-Go sqlite driver only
// reaches local databases.
func checkDSN(dsn string) error {
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		return errors.New("libsql URL requires cgo-enabled build")
	}
	return nil
}
