package model

import (
	"fmt"
	"strings"
)

// Backend identifies a search store dialect.
type Backend string

const (
	BackendDuckDB Backend = "duckdb"
	BackendSQLite Backend = "sqlite"
)

// ParseBackend maps a configuration value to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendDuckDB, "":
		return BackendDuckDB, nil
	case BackendSQLite, "sqlite3":
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("unknown db backend %q (want duckdb or sqlite)", s)
	}
}
