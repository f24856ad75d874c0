package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLRecorder stores audit records in PostgreSQL. HAR entries are
// kept as JSONB.
type PostgreSQLRecorder struct {
	sqlRecorder
}

func NewPostgreSQLRecorder(connectionString string) (*PostgreSQLRecorder, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initSchema(db, "postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized audit recorder postgresql")
	return &PostgreSQLRecorder{sqlRecorder{db: db, driver: "postgres"}}, nil
}
