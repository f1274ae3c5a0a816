package config

type Config struct {
	// Transport selects the chat platform: "discord" (default) or "telegram".
	Transport string `json:"transport,omitempty"`

	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	Access   AccessConfig   `json:"access"`
	Logging  LoggingConfig  `json:"logging"`

	Scheduler SchedulerConfig `json:"scheduler"`

	// If the whole section is omitted the notifier runs with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

// DiscordConfig configures the discord transport.
// An empty token falls back to $DISCORD_TOKEN.
type DiscordConfig struct {
	Token         string `json:"token"`
	CommandPrefix string `json:"command_prefix,omitempty"` // default "!"
}

// TelegramConfig configures the telegram transport.
// An empty token falls back to $TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout   string `json:"poll_timeout,omitempty"`
	CommandPrefix string `json:"command_prefix,omitempty"` // default "/"
}

// AccessConfig restricts who may issue commands.
// Both lists empty means everyone is allowed.
type AccessConfig struct {
	AllowedRoles []string `json:"allowed_roles,omitempty"` // role names (discord)
	AllowedUsers []string `json:"allowed_users,omitempty"` // user ids
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors log lines into a chat channel (channel/chat id).
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the disconnect registry.
//
// All durations are Go duration strings. Defaults:
//   - fire_timeout: "15s"
//   - sweep_interval: "30s" ("0s" disables the sweep)
//   - max_duration: "8760h"
type SchedulerConfig struct {
	// Timezone used to read legacy timestamps without offset. Empty means local.
	Timezone      string `json:"timezone,omitempty"`
	FireTimeout   string `json:"fire_timeout,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	MaxDuration   string `json:"max_duration,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls where the pending set lives.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/pending_commands.txt" }
type StorageConfig struct {
	Driver      string              `json:"driver"`
	Path        string              `json:"path,omitempty"`
	BusyTimeout string              `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisStorageConfig `json:"redis,omitempty"`
}

type RedisStorageConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

// PprofConfig controls the optional debug HTTP server (pprof plus a JSON
// dump of the pending set). Binding a non-loopback addr needs a token or
// allow_insecure.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
