package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logx "sleeptimer/pkg/logx"
)

const (
	TransportDiscord  = "discord"
	TransportTelegram = "telegram"
)

const (
	DefaultFireTimeout   = 15 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxDuration   = 365 * 24 * time.Hour
	DefaultStoragePath   = "./data/pending_commands.txt"
	DefaultPprofAddr     = "127.0.0.1:6060"
)

// TransportName returns the normalized transport, defaulting to discord.
func (c *Config) TransportName() string {
	t := strings.ToLower(strings.TrimSpace(c.Transport))
	if t == "" {
		return TransportDiscord
	}
	return t
}

func (c *Config) DiscordToken() string {
	if t := strings.TrimSpace(c.Discord.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
}

func (c *Config) TelegramToken() string {
	if t := strings.TrimSpace(c.Telegram.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
}

// CommandPrefix returns the prefix for the active transport.
func (c *Config) CommandPrefix() string {
	if c.TransportName() == TransportTelegram {
		if p := strings.TrimSpace(c.Telegram.CommandPrefix); p != "" {
			return p
		}
		return "/"
	}
	if p := strings.TrimSpace(c.Discord.CommandPrefix); p != "" {
		return p
	}
	return "!"
}

// SchedulerSettings is the parsed form of SchedulerConfig.
type SchedulerSettings struct {
	Location      *time.Location
	FireTimeout   time.Duration
	SweepInterval time.Duration // 0 disables the sweep
	MaxDuration   time.Duration
}

func (c *Config) SchedulerSettings() (SchedulerSettings, error) {
	var out SchedulerSettings
	var err error

	out.Location = time.Local
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		out.Location, err = time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if out.FireTimeout, err = ParseDurationOrDefault("scheduler.fire_timeout", c.Scheduler.FireTimeout, DefaultFireTimeout); err != nil {
		return out, err
	}
	if out.MaxDuration, err = ParseDurationOrDefault("scheduler.max_duration", c.Scheduler.MaxDuration, DefaultMaxDuration); err != nil {
		return out, err
	}
	out.SweepInterval = DefaultSweepInterval
	if strings.TrimSpace(c.Scheduler.SweepInterval) != "" {
		if out.SweepInterval, err = ParseDurationField("scheduler.sweep_interval", c.Scheduler.SweepInterval); err != nil {
			return out, err
		}
		if out.SweepInterval > 0 && out.SweepInterval < time.Second {
			return out, errors.New("scheduler.sweep_interval: must be >= 1s or 0s")
		}
	}
	return out, nil
}

// Validate checks everything that can be checked without touching the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch cfg.TransportName() {
	case TransportDiscord:
		if cfg.DiscordToken() == "" {
			errs = append(errs, errors.New("discord.token is empty and DISCORD_TOKEN is not set"))
		}
	case TransportTelegram:
		if cfg.TelegramToken() == "" {
			errs = append(errs, errors.New("telegram.token is empty and TELEGRAM_TOKEN is not set"))
		}
		if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("transport: unknown value %q", cfg.Transport))
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Logging.Chat.Target) == "" {
		errs = append(errs, errors.New("logging.chat.target is required when chat logging is enabled"))
	}

	if _, err := cfg.SchedulerSettings(); err != nil {
		errs = append(errs, err)
	}

	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "sqlite3", "none":
		case "redis":
			if s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "" {
				errs = append(errs, errors.New("storage.redis.addr is required for redis driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown value %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if p := cfg.Pprof; p.Enabled {
		addr := strings.TrimSpace(p.Addr)
		if addr == "" {
			addr = DefaultPprofAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", addr, err))
		} else if !p.AllowInsecure && strings.TrimSpace(p.Token) == "" && !isLoopbackAddr(addr) {
			errs = append(errs, errors.New("pprof: binding to non-loopback addr requires token or allow_insecure=true"))
		}
		if p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 {
			errs = append(errs, errors.New("pprof: profile rates must be >= 0"))
		}
	}

	return errors.Join(errs...)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
