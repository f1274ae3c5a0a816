// Package storage persists the pending disconnect set.
//
// Drivers:
//   - "file":   plain text, one record per line (compatible with pending_commands.txt)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis":  a Redis list holding the same line encoding
package storage
