package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	rep, err := run(options{
		numRequests: 20,
		concurrency: 4,
		timeout:     20 * time.Second,
		dataSize:    64 * 1024,
		threadPool:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, rep.success)
	assert.Zero(t, rep.errors)
	assert.Equal(t, int64(20*64*1024), rep.bytes)
	assert.Positive(t, rep.rps())
	assert.Positive(t, rep.mbps())
}
