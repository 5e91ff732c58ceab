package config

import (
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without touching other
// services: duration syntax, value ranges, section consistency. It is also
// the hot-reload validator, so a bad edit never displaces a good config.
func (c *Config) Validate() error {
	durations := []struct {
		path string
		raw  string
	}{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.orphan_grace", c.Scheduler.OrphanGrace},
		{"scheduler.prune_interval", c.Scheduler.PruneInterval},
		{"engine.default_max_runtime", c.Engine.DefaultMaxRuntime},
		{"engine.slot_release_backoff", c.Engine.SlotReleaseBackoff},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
	}
	if c.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", c.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	if c.Storage.HistoryKeep < 0 {
		return fmt.Errorf("storage.history_keep: must be >= 0")
	}
	if c.Engine.DefaultMaxIterations < 0 {
		return fmt.Errorf("engine.default_max_iterations: must be >= 0")
	}
	if c.Notifier != nil && c.Notifier.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("notifier.enabled requires telegram.token")
		}
	}
	return nil
}
