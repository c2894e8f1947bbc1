//go:build cgo

package mapstore

import (
	_ "github.com/tursodatabase/go-libsql"
)

// The go-libsql driver handles both local files and remote Turso URLs.
func checkDSN(string) error { return nil }
