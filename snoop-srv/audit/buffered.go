package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
)

// DefaultFlushInterval is used when a BufferedRecorder is given no interval.
const DefaultFlushInterval = 5 * time.Second

// ErrClosed is returned by a BufferedRecorder after Close.
var ErrClosed = errors.New("audit recorder closed")

type transactionRecord struct {
	connectionID string
	entry        map[string]any
}

type exceptionRecord struct {
	connectionID string
	err          error
}

// BufferedRecorder queues records in memory and hands them to the
// underlying recorder in batches, off the connection's goroutine.
type BufferedRecorder struct {
	underlying Recorder
	interval   time.Duration

	buffer struct {
		transactions []transactionRecord
		exceptions   []exceptionRecord
		connections  []ConnectionSummary
		closed       bool
		mu           sync.Mutex
	}

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewBufferedRecorder(underlying Recorder, interval time.Duration) *BufferedRecorder {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	b := &BufferedRecorder{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flusher()
	return b
}

func (b *BufferedRecorder) flusher() {
	defer b.wg.Done()
	defer close(b.doneChan)

	logger.Debug("Starting buffered audit flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

func (b *BufferedRecorder) RecordTransaction(_ context.Context, connectionID string, entry map[string]any) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	if b.buffer.closed {
		return ErrClosed
	}
	b.buffer.transactions = append(b.buffer.transactions, transactionRecord{connectionID: connectionID, entry: entry})
	return nil
}

func (b *BufferedRecorder) RecordException(_ context.Context, connectionID string, err error) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	if b.buffer.closed {
		return ErrClosed
	}
	b.buffer.exceptions = append(b.buffer.exceptions, exceptionRecord{connectionID: connectionID, err: err})
	return nil
}

func (b *BufferedRecorder) RecordConnection(_ context.Context, summary ConnectionSummary) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	if b.buffer.closed {
		return ErrClosed
	}
	b.buffer.connections = append(b.buffer.connections, summary)
	return nil
}

func (b *BufferedRecorder) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Flush writes everything queued so far to the underlying recorder.
func (b *BufferedRecorder) Flush() {
	b.buffer.mu.Lock()
	transactions := b.buffer.transactions
	exceptions := b.buffer.exceptions
	connections := b.buffer.connections
	b.buffer.transactions = nil
	b.buffer.exceptions = nil
	b.buffer.connections = nil
	b.buffer.mu.Unlock()

	total := len(transactions) + len(exceptions) + len(connections)
	if total == 0 {
		return
	}
	logger.Debug("Flushing %d audit records", total)

	ctx := context.Background()
	for _, t := range transactions {
		if err := b.underlying.RecordTransaction(ctx, t.connectionID, t.entry); err != nil {
			logger.Error("Failed to flush transaction: %v", err)
		}
	}
	for _, e := range exceptions {
		if err := b.underlying.RecordException(ctx, e.connectionID, e.err); err != nil {
			logger.Error("Failed to flush exception: %v", err)
		}
	}
	for _, c := range connections {
		if err := b.underlying.RecordConnection(ctx, c); err != nil {
			logger.Error("Failed to flush connection summary: %v", err)
		}
	}
}

// Close flushes pending records, stops the flusher and closes the
// underlying recorder.
func (b *BufferedRecorder) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.buffer.mu.Lock()
		b.buffer.closed = true
		b.buffer.mu.Unlock()

		close(b.stopChan)
		b.wg.Wait()
		err = b.underlying.Close()
	})
	return err
}
