package core

import (
	"time"

	"goalbot/internal/adapters/telegram"
	"goalbot/internal/config"
	"goalbot/internal/engine"
	"goalbot/internal/notifier"
	"goalbot/internal/observability/pprof"
	"goalbot/internal/scheduler"
	"goalbot/internal/server"
	"goalbot/internal/storage"
	"goalbot/pkg/logx"
)

// Mapping from the raw config file shape (duration strings, optional
// sections) to the typed service configs. All duration parsing funnels
// through config.ParseDurationOrDefault so the error carries the field path.

func loggingConfig(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func storageConfig(c *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
		HistoryKeep: c.Storage.HistoryKeep,
	}, nil
}

func engineConfig(c *config.Config) (engine.Config, error) {
	maxRuntime, err := config.ParseDurationOrDefault("engine.default_max_runtime", c.Engine.DefaultMaxRuntime, 0)
	if err != nil {
		return engine.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("engine.slot_release_backoff", c.Engine.SlotReleaseBackoff, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		DefaultMaxIterations: c.Engine.DefaultMaxIterations,
		DefaultMaxRuntime:    maxRuntime,
		SlotReleaseRetries:   c.Engine.SlotReleaseRetries,
		SlotReleaseBackoff:   backoff,
	}, nil
}

func schedulerConfig(c *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", c.Scheduler.Tick, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.orphan_grace", c.Scheduler.OrphanGrace, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	prune, err := config.ParseDurationOrDefault("scheduler.prune_interval", c.Scheduler.PruneInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Tick:          tick,
		OrphanGrace:   grace,
		HistoryKeep:   c.Storage.HistoryKeep,
		PruneInterval: prune,
	}, nil
}

func notifierConfig(n *config.NotifierConfig) (notifier.Config, error) {
	if n == nil {
		return notifier.Config{}, nil
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DefaultChatID: n.DefaultChatID,
	}, nil
}

func serverConfig(c *config.Config) (server.Config, error) {
	read, err := config.ParseDurationOrDefault("server.read_timeout", c.Server.ReadTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", c.Server.WriteTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", c.Server.IdleTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", c.Server.ShutdownTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:         c.Server.Enabled,
		Addr:            c.Server.Addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
	}, nil
}

func pprofConfig(d *config.DebugConfig) pprof.Config {
	if d == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       d.Pprof.Enabled,
		Addr:          d.Pprof.Addr,
		Token:         d.Pprof.Token,
		AllowInsecure: d.Pprof.AllowInsecure,
	}
}

func telegramConfig(c *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       c.Telegram.Token,
		PollTimeout: poll,
	}, nil
}
