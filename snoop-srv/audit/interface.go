// Package audit records what the proxy saw: completed exchanges as HAR
// entries, aborted connections and per-connection traffic summaries.
package audit

import (
	"context"
	"time"
)

// Recorder persists audit records. Implementations are safe for concurrent
// use.
type Recorder interface {
	// RecordTransaction stores one HAR entry observed on connectionID.
	RecordTransaction(ctx context.Context, connectionID string, entry map[string]any) error
	// RecordException stores the error that aborted an exchange.
	RecordException(ctx context.Context, connectionID string, err error) error
	// RecordConnection stores the summary of a closed client connection.
	RecordConnection(ctx context.Context, summary ConnectionSummary) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// ConnectionSummary describes one accepted client connection after it closed.
type ConnectionSummary struct {
	ID          string
	Client      string
	BytesIn     int64
	BytesOut    int64
	Start       time.Time
	End         time.Time
	CloseReason string
}

func (s ConnectionSummary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// transactionFields pulls the indexed columns out of a HAR entry. Missing
// fields stay zero.
type transactionFields struct {
	method    string
	url       string
	status    int
	startedAt time.Time
	timeMs    float64
}

func fieldsOf(entry map[string]any) transactionFields {
	var f transactionFields
	if req, ok := entry["request"].(map[string]any); ok {
		f.method, _ = req["method"].(string)
		f.url, _ = req["url"].(string)
	}
	if resp, ok := entry["response"].(map[string]any); ok {
		switch status := resp["status"].(type) {
		case int:
			f.status = status
		case float64:
			f.status = int(status)
		}
	}
	if started, ok := entry["startedDateTime"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			f.startedAt = t
		}
	}
	if f.startedAt.IsZero() {
		f.startedAt = time.Now()
	}
	f.timeMs, _ = entry["time"].(float64)
	return f
}
