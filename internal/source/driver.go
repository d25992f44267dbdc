package source

import (
	"fmt"
	"strings"
)

// DetectDriver determines the database driver type from a connection string
func DetectDriver(connString string) string {
	lower := strings.ToLower(connString)

	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "libsql://"), strings.HasPrefix(lower, "wss://"), strings.HasPrefix(lower, "ws://"):
		return "libsql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"), lower == ":memory:":
		return "sqlite"
	case strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return "sqlite"
	case strings.Contains(connString, "host=") || strings.Contains(connString, "dbname="):
		// Key/value form PostgreSQL connection string
		return "postgres"
	}
	return ""
}

// SQLDriverName maps a detected driver type to the registered database/sql
// driver name
func SQLDriverName(driverType string) (string, error) {
	switch driverType {
	case "postgres":
		return "postgres", nil
	case "sqlite":
		return "sqlite", nil
	case "libsql":
		return "libsql", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driverType)
	}
}

// NormalizeDSN adjusts a connection string into the form the selected sql
// driver expects (sqlite:// URLs become plain file paths).
func NormalizeDSN(connString, driverType string) string {
	if driverType != "sqlite" {
		return connString
	}
	if strings.HasPrefix(strings.ToLower(connString), "sqlite://") {
		return connString[len("sqlite://"):]
	}
	return connString
}
