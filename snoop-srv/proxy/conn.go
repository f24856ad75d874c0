package proxy

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authlab/snoop/snoop-srv/audit"
)

// bufferedConn reads through r so bytes already buffered while parsing a
// request are not lost when the connection changes hands (TLS, tunnel).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(conn net.Conn, r *bufio.Reader) *bufferedConn {
	if bc, ok := conn.(*bufferedConn); ok && bc.r == r {
		return bc
	}
	return &bufferedConn{Conn: conn, r: r}
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// readerFor returns the buffered reader backing conn, creating one if conn
// does not carry its own.
func readerFor(conn net.Conn) *bufio.Reader {
	if bc, ok := conn.(*bufferedConn); ok {
		return bc.r
	}
	return bufio.NewReader(conn)
}

// countedConn is a wrapper around net.Conn that counts transferred bytes and
// reports a summary once when closed.
type countedConn struct {
	net.Conn
	id        string
	startTime time.Time
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	onClose   func(audit.ConnectionSummary)
	closeOnce sync.Once
}

func newCountedConn(conn net.Conn, id string, onClose func(audit.ConnectionSummary)) *countedConn {
	return &countedConn{
		Conn:      conn,
		id:        id,
		startTime: time.Now(),
		onClose:   onClose,
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesIn.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesOut.Add(int64(n))
	}
	return n, err
}

// Close closes the connection and reports the final counts. Only the first
// call reports.
func (c *countedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.onClose == nil {
			return
		}
		reason := "normal"
		if err != nil {
			reason = err.Error()
		}
		c.onClose(c.summary(reason))
	})
	return err
}

func (c *countedConn) summary(reason string) audit.ConnectionSummary {
	client := ""
	if addr := c.RemoteAddr(); addr != nil {
		client = addr.String()
	}
	return audit.ConnectionSummary{
		ID:          c.id,
		Client:      client,
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		Start:       c.startTime,
		End:         time.Now(),
		CloseReason: reason,
	}
}
