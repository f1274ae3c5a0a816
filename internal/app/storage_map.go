package app

import (
	"fmt"
	"strings"
	"time"

	"sleeptimer/internal/config"
	"sleeptimer/internal/storage"
	logx "sleeptimer/pkg/logx"
)

// mapStorageConfig resolves the storage section. An omitted section means
// the default line file, matching what earlier versions wrote.
func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	out := storage.Config{Driver: "file", Path: config.DefaultStoragePath, Location: loc}
	if cfg == nil || cfg.Storage == nil {
		return out, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	out.Driver = driver
	if p := strings.TrimSpace(sc.Path); p != "" {
		out.Path = p
	}

	switch driver {
	case "file", "none":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			out.Path = "./data/sleeptimer.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		out.Redis = storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Key:      strings.TrimSpace(sc.Redis.Key),
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

// OpenStore opens the configured store. It returns (nil, nil) for driver none.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	ss, err := cfg.SchedulerSettings()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, ss.Location)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
