package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrMalformed = errors.New("malformed record")
	ErrClosed    = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty it defaults to "file"; "none" keeps everything in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis RedisConfig

	// Location interprets timestamps written without a zone offset.
	// Nil means time.Local.
	Location *time.Location
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Record is one pending disconnect: remove SubjectID from ScopeID at DueAt.
// Records are compared by value; duplicates are legal and independent.
type Record struct {
	SubjectID string
	ScopeID   string
	DueAt     time.Time
}

// Valid reports whether both identifiers are present and the due time is set.
func (r Record) Valid() bool {
	return r.SubjectID != "" && r.ScopeID != "" && !r.DueAt.IsZero()
}
