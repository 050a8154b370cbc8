package config

import "encoding/json"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Schedules seeds one recurring job per entry on cold launch.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Sample  LoggingSampler `json:"sample,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingSampler rate-limits lines below MinLevel (default "warn").
// PerSec 0 disables sampling.
type LoggingSampler struct {
	PerSec   int    `json:"per_sec,omitempty"`
	Burst    int    `json:"burst,omitempty"`
	MinLevel string `json:"min_level,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobrunner.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the job runner.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - min_trigger_delay: "1s"
//   - exec_timeout: "0s" (disabled)
//   - history_size: 50
//   - queues: message_send, message_receive, attachment_download (+ general)
type EngineConfig struct {
	MinTriggerDelay string        `json:"min_trigger_delay,omitempty"`
	ExecTimeout     string        `json:"exec_timeout,omitempty"`
	HistorySize     int           `json:"history_size,omitempty"`
	Queues          []QueueConfig `json:"queues,omitempty"`
}

// QueueConfig names a queue and the variants (snake_case) it owns.
type QueueConfig struct {
	Name     string   `json:"name"`
	Variants []string `json:"variants"`
}

type LifecycleConfig struct {
	Primary PrimaryConfig `json:"primary"`
	// SystemdNotify sends READY/STOPPING/WATCHDOG notifications when NOTIFY_SOCKET is set.
	SystemdNotify bool `json:"systemd_notify,omitempty"`
}

// PrimaryConfig decides which process may run queues.
//
// Modes:
//   - "static" (default): this process is always primary.
//   - "redis": hold a lease key in Redis; only the holder runs queues.
type PrimaryConfig struct {
	Mode      string `json:"mode,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
	// RedisPassword is never logged.
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	LeaseKey      string `json:"lease_key,omitempty"` // default: "jobrunner:primary"
	LeaseTTL      string `json:"lease_ttl,omitempty"` // default: "15s"
}

// AdminConfig controls the optional admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:9090"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerConfig holds defaults for configured schedules.
type SchedulerConfig struct {
	// Default timezone for cron schedules.
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig is one recurring job.
//
// Example (YAML):
//
//	schedules:
//	  - variant: garbage_collection
//	    spec: "daily:03:30"
//	    payload: { types: [orphaned_jobs] }
type ScheduleConfig struct {
	Variant  string          `json:"variant"`
	Spec     string          `json:"spec"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Timezone string          `json:"timezone,omitempty"`
}
