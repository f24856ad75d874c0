package audit

import (
	"database/sql"
	"fmt"

	"github.com/authlab/snoop/snoop-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRecorder stores audit records in a SQLite database.
type SQLiteRecorder struct {
	sqlRecorder
}

func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := initSchema(db, "sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized audit recorder sqlite (%s)", dbPath)
	return &SQLiteRecorder{sqlRecorder{db: db, driver: "sqlite3"}}, nil
}
