package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
)

// LogRecord is one line written by the LogRecorder.
type LogRecord struct {
	Kind       string             `json:"kind"`
	Connection string             `json:"connection"`
	Time       time.Time          `json:"time"`
	Entry      map[string]any     `json:"entry,omitempty"`
	Error      string             `json:"error,omitempty"`
	Summary    *ConnectionSummary `json:"summary,omitempty"`
}

// LogRecorder writes audit records as JSON lines. Without a writer the lines
// go to the logger at INFO.
type LogRecorder struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewLogRecorder appends to the file at path, or logs when path is empty.
func NewLogRecorder(path string) (*LogRecorder, error) {
	if path == "" {
		return &LogRecorder{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &LogRecorder{w: f, closer: f}, nil
}

// NewWriterRecorder writes to w. Closing the recorder does not close w.
func NewWriterRecorder(w io.Writer) *LogRecorder {
	return &LogRecorder{w: w}
}

func (l *LogRecorder) write(record LogRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		logger.Info("audit %s", line)
		return nil
	}
	_, err = l.w.Write(append(line, '\n'))
	return err
}

func (l *LogRecorder) RecordTransaction(_ context.Context, connectionID string, entry map[string]any) error {
	return l.write(LogRecord{Kind: "transaction", Connection: connectionID, Time: time.Now(), Entry: entry})
}

func (l *LogRecorder) RecordException(_ context.Context, connectionID string, err error) error {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	return l.write(LogRecord{Kind: "exception", Connection: connectionID, Time: time.Now(), Error: msg})
}

func (l *LogRecorder) RecordConnection(_ context.Context, summary ConnectionSummary) error {
	return l.write(LogRecord{Kind: "connection", Connection: summary.ID, Time: time.Now(), Summary: &summary})
}

func (l *LogRecorder) HealthCheck(context.Context) error {
	return nil
}

func (l *LogRecorder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.w = nil
	return err
}
