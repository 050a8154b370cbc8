package storage

import (
	"errors"
	"strings"

	logx "jobrunner/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, errors.New("storage driver none is not supported: jobs must be persisted")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
