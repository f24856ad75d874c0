package proxy

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/authlab/snoop/snoop-srv/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountedConnReportsOnce(t *testing.T) {
	client, server := tcpPair(t)

	var summaries []audit.ConnectionSummary
	counted := newCountedConn(server, "conn-1", func(s audit.ConnectionSummary) {
		summaries = append(summaries, s)
	})

	_, err := io.WriteString(client, "12345")
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(counted, buf)
	require.NoError(t, err)

	_, err = io.WriteString(counted, "abc")
	require.NoError(t, err)

	require.NoError(t, counted.Close())
	_ = counted.Close()

	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, "conn-1", s.ID)
	assert.Equal(t, int64(5), s.BytesIn)
	assert.Equal(t, int64(3), s.BytesOut)
	assert.Equal(t, client.LocalAddr().String(), s.Client)
	assert.Equal(t, "normal", s.CloseReason)
	assert.False(t, s.End.Before(s.Start))
	assert.GreaterOrEqual(t, s.Duration().Nanoseconds(), int64(0))
}

func TestCountedConnWithoutCallback(t *testing.T) {
	_, server := tcpPair(t)
	counted := newCountedConn(server, "conn-2", nil)
	assert.NoError(t, counted.Close())
}

func TestBufferedConnKeepsReader(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	r := bufio.NewReader(server)
	wrapped := newBufferedConn(server, r)
	assert.Same(t, r, readerFor(wrapped))
	assert.Same(t, wrapped, newBufferedConn(wrapped, r))

	other := readerFor(server)
	assert.NotSame(t, r, other)
}
