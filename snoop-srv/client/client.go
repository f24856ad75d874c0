// Package client sends single HTTP/1.1 requests built with the message
// codec, either directly or through an HTTP proxy. It is used by the probe
// command and by tests that drive the proxy end to end.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/message"
)

// DefaultTimeout bounds one Execute call when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client talks to one origin. It opens a new connection per request.
type Client struct {
	target    message.Host
	proxy     string
	tlsConfig *tls.Config
	timeout   time.Duration
	dialer    *net.Dialer
}

type Option func(*Client)

// WithProxy routes requests through the HTTP proxy at address ("host:port").
// https origins are reached with CONNECT.
func WithProxy(address string) Option {
	return func(c *Client) { c.proxy = address }
}

// WithTLSConfig sets the configuration used for https origins. ServerName
// defaults to the origin hostname.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a client for the origin named by location, e.g.
// "https://example.com" or "http://127.0.0.1:8081".
func New(location string, opts ...Option) (*Client, error) {
	loc, err := message.ParseLocation(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", location, err)
	}
	if loc.Host == nil {
		return nil, fmt.Errorf("location %q has no host", location)
	}
	target := *loc.Host
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}

	c := &Client{
		target:  target,
		timeout: DefaultTimeout,
		dialer:  &net.Dialer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Target returns the origin the client sends to.
func (c *Client) Target() message.Host {
	return c.target
}

// Execute sends req and returns the final response. Interim 100 responses
// are skipped. The request target is rewritten to the form the connection
// needs; a missing Host header is added.
func (c *Client) Execute(ctx context.Context, req *message.Request) (*message.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing client connection: %v", closeErr)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if !req.Headers().Has("Host") {
		req = req.WithHeader("Host", c.target.String())
	}
	if c.proxy != "" && c.target.Scheme == "http" {
		req = req.WithLocation(req.Location().WithHost(c.target))
	} else {
		req = req.WithOnlyPath()
	}
	req = req.WithFramingHeaders()

	if err := req.Write(conn); err != nil {
		return nil, c.contextErr(ctx, fmt.Errorf("failed to write request: %w", err))
	}
	resp, err := message.ReadFinalResponse(readerFor(conn))
	if err != nil {
		return nil, c.contextErr(ctx, fmt.Errorf("failed to read response: %w", err))
	}
	return resp, nil
}

func (c *Client) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	if c.proxy == "" {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.target.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", c.target.Address(), err)
		}
		return c.secure(ctx, conn)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to dial proxy %s: %w", c.proxy, err)
	}
	if c.target.Scheme == "http" {
		return conn, nil
	}

	tunnel, err := c.tunnel(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c.secure(ctx, tunnel)
}

// tunnel asks the proxy for a CONNECT tunnel to the origin.
func (c *Client) tunnel(conn net.Conn) (net.Conn, error) {
	authority := c.target.WithPort(c.target.EffectivePort())
	target, err := message.ParseLocation(authority.String())
	if err != nil {
		return nil, err
	}
	req := message.NewRequest(message.MethodConnect, target,
		message.NewHeaders().With("Host", authority.String()), nil)
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := message.ReadFinalResponse(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	if resp.StatusCode() != message.StatusOK {
		return nil, fmt.Errorf("proxy refused CONNECT to %s: %d %s", authority, resp.StatusCode(), resp.Reason())
	}
	return &bufferedConn{Conn: conn, r: reader}, nil
}

func (c *Client) secure(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if c.target.Scheme != "https" {
		return conn, nil
	}
	cfg := &tls.Config{}
	if c.tlsConfig != nil {
		cfg = c.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.target.Hostname
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", c.target.Hostname, err)
	}
	return tlsConn, nil
}

// bufferedConn keeps bytes the CONNECT response reader already buffered.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func readerFor(conn net.Conn) *bufio.Reader {
	if b, ok := conn.(*bufferedConn); ok {
		return b.r
	}
	return bufio.NewReader(conn)
}
