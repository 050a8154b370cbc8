package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/admin"
	"jobrunner/internal/config"
	"jobrunner/internal/job"
	"jobrunner/internal/lifecycle"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	"jobrunner/internal/task/scheduler"
	logx "jobrunner/pkg/logx"
)

const (
	primaryStatic = "static"
	primaryRedis  = "redis"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sample: logx.SampleConfig{
			PerSec:   cfg.Logging.Sample.PerSec,
			Burst:    cfg.Logging.Sample.Burst,
			MinLevel: cfg.Logging.Sample.MinLevel,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		if driver == "" {
			driver = "sqlite"
		}
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapEngineOptions fills the config-driven runner options; the caller adds
// Primary, Bus and Log.
func mapEngineOptions(cfg *config.Config) (engine.Options, error) {
	ec := cfg.Engine
	minTrigger, err := config.ParseDurationField("engine.min_trigger_delay", ec.MinTriggerDelay)
	if err != nil {
		return engine.Options{}, err
	}
	execTimeout, err := config.ParseDurationField("engine.exec_timeout", ec.ExecTimeout)
	if err != nil {
		return engine.Options{}, err
	}
	if ec.HistorySize < 0 {
		return engine.Options{}, fmt.Errorf("engine.history_size must be >= 0")
	}

	var queues []engine.QueueSpec
	for i, qc := range ec.Queues {
		name := strings.TrimSpace(qc.Name)
		if name == "" {
			return engine.Options{}, fmt.Errorf("engine.queues[%d].name is required", i)
		}
		spec := engine.QueueSpec{Name: name}
		for _, raw := range qc.Variants {
			v, err := job.ParseVariant(raw)
			if err != nil {
				return engine.Options{}, fmt.Errorf("engine.queues[%d] (%s): %w", i, name, err)
			}
			spec.Variants = append(spec.Variants, v)
		}
		if len(spec.Variants) == 0 {
			return engine.Options{}, fmt.Errorf("engine.queues[%d] (%s): no variants", i, name)
		}
		queues = append(queues, spec)
	}

	return engine.Options{
		Queues:          queues,
		MinTriggerDelay: minTrigger,
		ExecTimeout:     execTimeout,
		HistorySize:     ec.HistorySize,
	}, nil
}

type primarySettings struct {
	mode     string
	addr     string
	password string
	db       int
	key      string
	ttl      time.Duration
}

func mapPrimaryConfig(cfg *config.Config) (primarySettings, error) {
	pc := cfg.Lifecycle.Primary
	mode := strings.ToLower(strings.TrimSpace(pc.Mode))
	if mode == "" {
		mode = primaryStatic
	}
	switch mode {
	case primaryStatic:
		return primarySettings{mode: mode}, nil
	case primaryRedis:
	default:
		return primarySettings{}, fmt.Errorf("unknown lifecycle.primary.mode: %s", pc.Mode)
	}

	addr := strings.TrimSpace(pc.RedisAddr)
	if addr == "" {
		return primarySettings{}, fmt.Errorf("lifecycle.primary.redis_addr is required when mode=redis")
	}
	ttl, err := config.ParseDurationOrDefault("lifecycle.primary.lease_ttl", pc.LeaseTTL, lifecycle.DefaultLeaseTTL)
	if err != nil {
		return primarySettings{}, err
	}
	if ttl < 3*time.Millisecond {
		return primarySettings{}, fmt.Errorf("lifecycle.primary.lease_ttl too short: %s", ttl)
	}
	key := strings.TrimSpace(pc.LeaseKey)
	if key == "" {
		key = lifecycle.DefaultLeaseKey
	}
	return primarySettings{mode: mode, addr: addr, password: pc.RedisPassword, db: pc.RedisDB, key: key, ttl: ttl}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		PprofPrefix:   strings.TrimSpace(ac.PprofPrefix),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapSchedules(cfg *config.Config) ([]scheduler.Def, error) {
	defs := make([]scheduler.Def, 0, len(cfg.Schedules))
	seen := map[job.Variant]bool{}
	for i, sc := range cfg.Schedules {
		v, err := job.ParseVariant(sc.Variant)
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		if seen[v] {
			return nil, fmt.Errorf("schedules[%d]: %w: %s", i, scheduler.ErrDuplicateSchedule, v)
		}
		seen[v] = true
		if _, err := scheduler.ParseSchedule(sc.Spec); err != nil {
			return nil, fmt.Errorf("schedules[%d] (%s): %w", i, v, err)
		}
		if tz := strings.TrimSpace(sc.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("schedules[%d].timezone: invalid %q: %w", i, tz, err)
			}
		}
		payload, err := config.CanonicalJSON(sc.Payload)
		if err != nil {
			return nil, fmt.Errorf("schedules[%d].payload: %w", i, err)
		}
		defs = append(defs, scheduler.Def{
			Variant:  v,
			Spec:     strings.TrimSpace(sc.Spec),
			Payload:  payload,
			Timezone: strings.TrimSpace(sc.Timezone),
		})
	}
	return defs, nil
}

// validateConfig rejects configs the daemon could not start with. It runs on
// load and before every hot reload is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineOptions(cfg); err != nil {
		return err
	}
	if _, err := mapPrimaryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapSchedules(cfg); err != nil {
		return err
	}
	if cfg.Logging.Sample.PerSec < 0 || cfg.Logging.Sample.Burst < 0 {
		return fmt.Errorf("logging.sample values must be >= 0")
	}
	return nil
}
