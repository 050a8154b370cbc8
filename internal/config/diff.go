package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobrunner/pkg/logx"
)

// Sections that take effect without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords), and (3) the subset of changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(normLogging(oldCfg.Logging), normLogging(newCfg.Logging)) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.sample_per_sec", newCfg.Logging.Sample.PerSec),
		)
	}

	// Storage
	oS, nS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oS.Driver), strings.TrimSpace(nS.Driver)) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Engine
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.min_trigger_delay", strings.TrimSpace(newCfg.Engine.MinTriggerDelay)),
			logx.String("engine.exec_timeout", strings.TrimSpace(newCfg.Engine.ExecTimeout)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
			logx.Int("engine.queue_count", len(newCfg.Engine.Queues)),
		)
	}

	// Lifecycle (never log redis password)
	oP, nP := oldCfg.Lifecycle.Primary, newCfg.Lifecycle.Primary
	if oldCfg.Lifecycle.SystemdNotify != newCfg.Lifecycle.SystemdNotify ||
		!strings.EqualFold(strings.TrimSpace(oP.Mode), strings.TrimSpace(nP.Mode)) ||
		strings.TrimSpace(oP.RedisAddr) != strings.TrimSpace(nP.RedisAddr) ||
		oP.RedisDB != nP.RedisDB ||
		strings.TrimSpace(oP.LeaseKey) != strings.TrimSpace(nP.LeaseKey) ||
		strings.TrimSpace(oP.LeaseTTL) != strings.TrimSpace(nP.LeaseTTL) ||
		oP.RedisPassword != nP.RedisPassword {
		changed = append(changed, "lifecycle")
		attrs = append(attrs,
			logx.String("lifecycle.primary.mode", strings.TrimSpace(nP.Mode)),
			logx.String("lifecycle.primary.redis_addr", strings.TrimSpace(nP.RedisAddr)),
			logx.Bool("lifecycle.primary.redis_password_set", nP.RedisPassword != ""),
			logx.String("lifecycle.primary.lease_ttl", strings.TrimSpace(nP.LeaseTTL)),
			logx.Bool("lifecycle.systemd_notify", newCfg.Lifecycle.SystemdNotify),
		)
	}

	// Admin (never log token)
	oA, nA := oldCfg.Admin, newCfg.Admin
	if oA.Enabled != nA.Enabled ||
		strings.TrimSpace(oA.Addr) != strings.TrimSpace(nA.Addr) ||
		strings.TrimSpace(oA.PprofPrefix) != strings.TrimSpace(nA.PprofPrefix) ||
		oA.AllowInsecure != nA.AllowInsecure ||
		strings.TrimSpace(oA.ReadTimeout) != strings.TrimSpace(nA.ReadTimeout) ||
		strings.TrimSpace(oA.WriteTimeout) != strings.TrimSpace(nA.WriteTimeout) ||
		strings.TrimSpace(oA.IdleTimeout) != strings.TrimSpace(nA.IdleTimeout) ||
		strings.TrimSpace(oA.Token) != strings.TrimSpace(nA.Token) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("admin.allow_insecure", nA.AllowInsecure),
		)
	}

	// Scheduler timezone
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	// Schedules (summarize only)
	if diff := diffSchedules(oldCfg.Schedules, newCfg.Schedules); len(diff) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.count", len(newCfg.Schedules)),
			logx.String("schedules.changed", strings.Join(diff, ",")),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func normLogging(l LoggingConfig) LoggingConfig {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	l.File.Path = strings.TrimSpace(l.File.Path)
	l.Sample.MinLevel = strings.ToLower(strings.TrimSpace(l.Sample.MinLevel))
	return l
}

// diffSchedules returns the variants whose schedule entry was added, removed
// or changed (spec, timezone or payload content).
func diffSchedules(oldS, newS []ScheduleConfig) []string {
	index := func(in []ScheduleConfig) map[string]ScheduleConfig {
		m := make(map[string]ScheduleConfig, len(in))
		for _, s := range in {
			m[strings.ToLower(strings.TrimSpace(s.Variant))] = s
		}
		return m
	}
	oldM, newM := index(oldS), index(newS)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK ||
			strings.TrimSpace(o.Spec) != strings.TrimSpace(n.Spec) ||
			strings.TrimSpace(o.Timezone) != strings.TrimSpace(n.Timezone) ||
			!samePayload(o.Payload, n.Payload) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
