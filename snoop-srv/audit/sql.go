package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlRecorder holds the statements both SQL backends share. Queries are
// written with "?" placeholders and rebound for drivers that number them.
type sqlRecorder struct {
	db     *sql.DB
	driver string
}

func (s *sqlRecorder) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlRecorder) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *sqlRecorder) RecordTransaction(ctx context.Context, connectionID string, entry map[string]any) error {
	har, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	f := fieldsOf(entry)
	err = s.exec(ctx,
		`INSERT INTO transactions (id, connection_id, method, url, status, started_at, time_ms, har)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), connectionID, f.method, f.url, f.status, f.startedAt.UTC(), f.timeMs, string(har))
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (s *sqlRecorder) RecordException(ctx context.Context, connectionID string, cause error) error {
	message := "<nil>"
	if cause != nil {
		message = cause.Error()
	}
	err := s.exec(ctx,
		`INSERT INTO exceptions (id, connection_id, message, recorded_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), connectionID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record exception: %w", err)
	}
	return nil
}

func (s *sqlRecorder) RecordConnection(ctx context.Context, summary ConnectionSummary) error {
	err := s.exec(ctx,
		`INSERT INTO connections (id, client, bytes_in, bytes_out, started_at, ended_at, duration_ms, close_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.Client, summary.BytesIn, summary.BytesOut,
		summary.Start.UTC(), summary.End.UTC(), summary.Duration().Milliseconds(), summary.CloseReason)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

func (s *sqlRecorder) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlRecorder) Close() error {
	return s.db.Close()
}

// CountTransactions returns the number of stored transactions of a connection.
func (s *sqlRecorder) CountTransactions(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM transactions WHERE connection_id = ?`), connectionID).Scan(&n)
	return n, err
}

// Transactions returns the stored HAR entries of a connection, oldest first.
func (s *sqlRecorder) Transactions(ctx context.Context, connectionID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT har FROM transactions WHERE connection_id = ? ORDER BY started_at`), connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("stored transaction is not valid JSON: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
