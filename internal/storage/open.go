package storage

import (
	"context"
	"errors"
	"strings"

	logx "sleeptimer/pkg/logx"
)

// Store is the durable backing of the pending set.
//
// Load skips malformed entries (logging each) and returns an empty set when
// nothing was ever written. ReplaceAll is atomic: readers see either the old
// or the new set. Append durably adds one record.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	ReplaceAll(ctx context.Context, recs []Record) error
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(context.Background(), cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
