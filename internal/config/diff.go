package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sleeptimer/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"transport": true,
	"discord":   true,
	"telegram":  true,
	"storage":   true,
	"scheduler": true,
}

// SummarizeConfigChange returns the changed sections (sorted), structured
// log attrs describing them (never tokens or passwords), and the subset of
// sections that need a restart to apply.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if oldCfg.TransportName() != newCfg.TransportName() {
		mark("transport", logx.String("transport", newCfg.TransportName()))
	}
	if oldCfg.Discord.Token != newCfg.Discord.Token ||
		strings.TrimSpace(oldCfg.Discord.CommandPrefix) != strings.TrimSpace(newCfg.Discord.CommandPrefix) {
		mark("discord",
			logx.Bool("discord.token_set", newCfg.Discord.Token != ""),
			logx.String("discord.command_prefix", newCfg.Discord.CommandPrefix),
		)
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.CommandPrefix) != strings.TrimSpace(newCfg.Telegram.CommandPrefix) {
		mark("telegram",
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Access, newCfg.Access) {
		mark("access",
			logx.Int("access.roles", len(newCfg.Access.AllowedRoles)),
			logx.Int("access.users", len(newCfg.Access.AllowedUsers)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.fire_timeout", newCfg.Scheduler.FireTimeout),
			logx.String("scheduler.sweep_interval", newCfg.Scheduler.SweepInterval),
			logx.String("scheduler.max_duration", newCfg.Scheduler.MaxDuration),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := derefNotifier(newCfg.Notifier)
		mark("notifier",
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
		)
	}
	if !reflect.DeepEqual(redactStorage(oldCfg.Storage), redactStorage(newCfg.Storage)) {
		s := derefStorage(newCfg.Storage)
		mark("storage",
			logx.String("storage.driver", s.Driver),
			logx.String("storage.path", s.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		mark("pprof",
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// redactStorage copies s with the redis password reduced to set/unset.
func redactStorage(s *StorageConfig) *StorageConfig {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Redis != nil {
		r := *s.Redis
		if r.Password != "" {
			r.Password = "set"
		}
		cp.Redis = &r
	}
	return &cp
}
