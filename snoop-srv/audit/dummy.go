package audit

import "context"

// DummyRecorder discards everything. It is used when auditing is disabled.
type DummyRecorder struct{}

func NewDummyRecorder() *DummyRecorder {
	return &DummyRecorder{}
}

func (d *DummyRecorder) RecordTransaction(context.Context, string, map[string]any) error {
	return nil
}

func (d *DummyRecorder) RecordException(context.Context, string, error) error {
	return nil
}

func (d *DummyRecorder) RecordConnection(context.Context, ConnectionSummary) error {
	return nil
}

func (d *DummyRecorder) HealthCheck(context.Context) error { return nil }
func (d *DummyRecorder) Close() error                      { return nil }
