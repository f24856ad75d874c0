package proxy

import (
	"testing"
	"time"

	"github.com/authlab/snoop/snoop-srv/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionHAR(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tx := &Transaction{
		Request: message.NewRequest(message.MethodGet, message.MustParseLocation("/search?q=go"),
			message.NewHeaders().With("Host", "example.com"), nil),
		Response: message.NewResponse(200, "OK", message.NewHeaders(), message.NewStringBody("ok", "text/plain")),
		Host:     message.Host{Hostname: "example.com", Port: 443, Scheme: "https"},
		Start:    start,
		Stop:     start.Add(1500 * time.Microsecond),
		Token:    "tok",
	}

	assert.Equal(t, "https", tx.Scheme())
	assert.Equal(t, 1500*time.Microsecond, tx.Duration())

	har := tx.HAR()
	assert.Equal(t, "2024-03-01T12:00:00Z", har["startedDateTime"])
	assert.InDelta(t, 1.5, har["time"], 0.0001)
	assert.Equal(t, "https", har["scheme"])
	assert.Equal(t, "tok", har["_proxyToken"])

	req, ok := har["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "GET", req["method"])
	assert.Equal(t, "https://example.com/search?q=go", req["url"])

	resp, ok := har["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, resp["status"])
}

func TestTransactionHARKeepsExplicitPort(t *testing.T) {
	tx := &Transaction{
		Request:  message.NewRequest(message.MethodGet, message.MustParseLocation("/"), message.NewHeaders(), nil),
		Response: message.NewResponse(204, "No Content", message.NewHeaders(), nil),
		Host:     message.Host{Hostname: "localhost", Port: 8080, Scheme: "http"},
	}
	req := tx.HAR()["request"].(map[string]any)
	assert.Equal(t, "http://localhost:8080/", req["url"])
}
