package config

// Config is the full on-disk configuration. JSON and YAML are both accepted;
// YAML is coerced to JSON so one strict decoder covers both. All duration
// fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`

	// Notifier may be omitted entirely; nil disables the pipeline.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`

	// Debug may be omitted entirely; nil disables all debug surfaces.
	Debug *DebugConfig `json:"debug,omitempty"`
}

// DebugConfig groups optional operator-only surfaces.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig controls the net/http/pprof listener. Binding to a
// non-loopback address requires Token or AllowInsecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the control API listener.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8090"

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig controls the run store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./goalbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // default: "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// HistoryKeep caps retained terminal runs per bot; 0 keeps everything.
	HistoryKeep int `json:"history_keep,omitempty"`
}

// SchedulerConfig controls the trigger scan loop.
type SchedulerConfig struct {
	// Tick is the scan interval; default "5s". The tick bounds trigger
	// detection latency only, never the computed due times.
	Tick string `json:"tick,omitempty"`
	// OrphanGrace is the minimum age before a non-terminal run with no live
	// execution is reconciled on startup; default "30s".
	OrphanGrace   string `json:"orphan_grace,omitempty"`
	PruneInterval string `json:"prune_interval,omitempty"`
}

// EngineConfig controls per-run execution defaults. Per-bot budgets
// override these.
type EngineConfig struct {
	DefaultMaxIterations int    `json:"default_max_iterations,omitempty"`
	DefaultMaxRuntime    string `json:"default_max_runtime,omitempty"`
	SlotReleaseRetries   int    `json:"slot_release_retries,omitempty"`
	SlotReleaseBackoff   string `json:"slot_release_backoff,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// DefaultChatID receives run summaries unless a bot sets notify_chat_id.
	DefaultChatID int64 `json:"default_chat_id,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}
