package audit

import (
	"fmt"
	"time"

	"github.com/authlab/snoop/snoop-srv/config"
)

// DefaultSQLitePath is used by the sqlite backend when no path is set.
const DefaultSQLitePath = "snoop_audit.db"

// New creates the recorder described by cfg. Disabled auditing yields a
// DummyRecorder; every other backend is wrapped in a BufferedRecorder.
func New(cfg *config.AuditConfig) (Recorder, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDummyRecorder(), nil
	}

	var recorder Recorder
	var err error

	switch cfg.Backend {
	case "log", "":
		recorder, err = NewLogRecorder(cfg.LogPath)
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		recorder, err = NewSQLiteRecorder(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		recorder, err = NewPostgreSQLRecorder(cfg.PostgresDSN)
	case "dummy":
		return NewDummyRecorder(), nil
	default:
		return nil, fmt.Errorf("unsupported audit backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s recorder: %w", cfg.Backend, err)
	}

	return NewBufferedRecorder(recorder, time.Duration(cfg.FlushIntervalSeconds)*time.Second), nil
}
