package config

import (
	"reflect"
	"sort"
	"strings"

	logx "goalbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the telegram token) are never
// included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Int("storage.history_keep", newCfg.Storage.HistoryKeep),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.orphan_grace", strings.TrimSpace(newCfg.Scheduler.OrphanGrace)),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.default_max_iterations", newCfg.Engine.DefaultMaxIterations),
			logx.String("engine.default_max_runtime", strings.TrimSpace(newCfg.Engine.DefaultMaxRuntime)),
		)
	}

	// Nil means disabled; compare against the zero section so an added or
	// removed block registers as a change.
	oldN, newN := NotifierConfig{}, NotifierConfig{}
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.default_chat_set", newN.DefaultChatID != 0),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	oldD, newD := DebugConfig{}, DebugConfig{}
	if oldCfg.Debug != nil {
		oldD = *oldCfg.Debug
	}
	if newCfg.Debug != nil {
		newD = *newCfg.Debug
	}
	if oldD != newD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.pprof_enabled", newD.Pprof.Enabled),
			logx.String("debug.pprof_addr", strings.TrimSpace(newD.Pprof.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
