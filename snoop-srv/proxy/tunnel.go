package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
)

const (
	// DefaultTunnelInactivity ends a tunnel nobody has written to for this long.
	DefaultTunnelInactivity = 15 * time.Second

	tunnelPollInterval = time.Millisecond
)

// Tunnel relays bytes between two connections one byte at a time, polling
// each side in turn. This burns CPU while idle; it trades throughput for
// immediate forwarding of every byte.
type Tunnel struct {
	client, server   net.Conn
	clientR, serverR *bufio.Reader
	inactivity       time.Duration
	lastActive       time.Time
}

// NewTunnel returns a relay between client and server. A zero inactivity
// uses DefaultTunnelInactivity.
func NewTunnel(client, server net.Conn, inactivity time.Duration) *Tunnel {
	if inactivity <= 0 {
		inactivity = DefaultTunnelInactivity
	}
	return &Tunnel{
		client:     client,
		server:     server,
		clientR:    readerFor(client),
		serverR:    readerFor(server),
		inactivity: inactivity,
	}
}

// Run relays until either side closes, an I/O error occurs or the tunnel has
// been inactive for longer than the inactivity timeout. A clean close by
// either peer is not an error.
func (t *Tunnel) Run() error {
	logger.Debug("Starting tunnel between %s and %s", t.client.RemoteAddr(), t.server.RemoteAddr())
	defer func() {
		_ = t.client.SetReadDeadline(time.Time{})
		_ = t.server.SetReadDeadline(time.Time{})
		logger.Debug("Closing tunnel between %s and %s", t.client.RemoteAddr(), t.server.RemoteAddr())
	}()

	t.lastActive = time.Now()
	for {
		if err := t.relay(t.client, t.clientR, t.server); err != nil {
			return t.finish(err)
		}
		if err := t.relay(t.server, t.serverR, t.client); err != nil {
			return t.finish(err)
		}
		if time.Since(t.lastActive) > t.inactivity {
			logger.Debug("Tunnel has been inactive for more than %s", t.inactivity)
			return nil
		}
	}
}

// relay copies whatever is available from src to dst, byte by byte. It
// returns nil when nothing was available within the poll interval.
func (t *Tunnel) relay(src net.Conn, r *bufio.Reader, dst net.Conn) error {
	if r.Buffered() == 0 {
		if err := src.SetReadDeadline(time.Now().Add(tunnelPollInterval)); err != nil {
			return err
		}
	}
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
		t.lastActive = time.Now()
		if logger.IsLevelEnabled(logger.TRACE) {
			logger.Trace("%s -> %s: %q", src.RemoteAddr(), dst.RemoteAddr(), b)
		}
		if _, err := dst.Write([]byte{b}); err != nil {
			return err
		}
		if r.Buffered() == 0 {
			return nil
		}
	}
}

func (t *Tunnel) finish(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	logger.Debug("Tunnel closed unexpectedly (%s -> %s): %v", t.client.RemoteAddr(), t.server.RemoteAddr(), err)
	return newError(ErrCodeTunnelFailed, err)
}
