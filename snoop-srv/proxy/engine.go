package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/message"
	"github.com/authlab/snoop/snoop-srv/mint"
)

// ProxyTokenHeader carries the per-connection correlation id to targets.
const ProxyTokenHeader = "Proxy-Token"

// Callbacks observe an engine. All of them are optional.
type Callbacks struct {
	// OnTransaction receives every completed exchange, including exchanges
	// inside inspected tunnels. Opaque tunnels produce none.
	OnTransaction func(*Transaction)
	// OnException receives the error that aborted the connection.
	OnException func(error)
	// OnClose runs once when the engine is done, whatever the outcome.
	OnClose func()
}

// Strategy decides where a request goes and how messages are rewritten on
// the way.
type Strategy struct {
	// Remote returns the connection to send req to and the host it reaches.
	Remote          func(ctx context.Context, req *message.Request) (net.Conn, message.Host, error)
	RewriteRequest  func(req *message.Request) *message.Request
	RewriteResponse func(resp *message.Response) *message.Response
	// AllowConnect enables CONNECT handling. Inside a tunnel CONNECT is
	// forwarded like any other method.
	AllowConnect bool
}

// EngineConfig holds what engines share across connections.
type EngineConfig struct {
	// Dialer opens target connections. Nil dials directly.
	Dialer Dialer
	// Mint signs certificates for inspected TLS tunnels.
	Mint *mint.Mint
	// InspectTunnels parses the traffic inside CONNECT tunnels.
	InspectTunnels bool
	// NoInspect selects CONNECT targets that stay opaque even with
	// InspectTunnels set.
	NoInspect Classifier
	// TrustAllUpstream skips verification of target certificates.
	TrustAllUpstream bool
	TunnelInactivity time.Duration
	Callbacks        Callbacks
}

// Engine serves one accepted connection: one request and its response, or
// one CONNECT tunnel for its whole lifetime.
type Engine struct {
	conn      net.Conn
	reader    *bufio.Reader
	token     string
	cfg       *EngineConfig
	strategy  Strategy
	callbacks Callbacks

	mu     sync.Mutex
	remote net.Conn
}

// NewEngine returns an engine forwarding requests read from conn. token is
// sent to targets in the Proxy-Token header.
func NewEngine(conn net.Conn, token string, cfg *EngineConfig) *Engine {
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	e := &Engine{
		conn:      conn,
		reader:    readerFor(conn),
		token:     token,
		cfg:       cfg,
		callbacks: cfg.Callbacks,
	}
	e.strategy = Strategy{
		Remote:          e.forwardRemote,
		RewriteRequest:  e.rewriteForward,
		RewriteResponse: rewriteResponse,
		AllowConnect:    true,
	}
	return e
}

// Token returns the engine's correlation id.
func (e *Engine) Token() string {
	return e.token
}

// Run serves the connection. Canceling ctx closes both connections, which
// unblocks any pending read or write. The incoming connection is left open
// for the caller to close.
func (e *Engine) Run(ctx context.Context) (err error) {
	stop := context.AfterFunc(ctx, func() {
		closeQuietly(e.conn)
		e.closeRemote()
	})

	defer func() {
		stop()
		if r := recover(); r != nil {
			err = newError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
			e.report(err)
		}
		e.closeRemote()
		if e.callbacks.OnClose != nil {
			e.callbacks.OnClose()
		}
	}()

	err = e.serve(ctx)
	if errors.Is(err, message.ErrNoMessage) {
		e.debugf("Client closed without sending a request")
		return nil
	}
	if err != nil {
		e.report(err)
	}
	return err
}

func (e *Engine) report(err error) {
	e.debugf("Exchange aborted: %v", err)
	if e.callbacks.OnException != nil {
		e.callbacks.OnException(err)
	}
}

func (e *Engine) serve(ctx context.Context) error {
	req, err := message.ReadRequest(e.reader, e.sendContinue)
	if err != nil {
		if errors.Is(err, message.ErrNoMessage) {
			return err
		}
		return newError(ErrCodeHTTPRequestReadFailed, err)
	}
	e.debugf("%s %s", req.Method(), req.Location())

	if req.Method() == message.MethodConnect && e.strategy.AllowConnect {
		return e.connect(ctx, req)
	}
	return e.exchange(ctx, req)
}

// sendContinue answers Expect-style uploads before the body is read.
func (e *Engine) sendContinue(req *message.Request) error {
	length, ok, err := req.Headers().ContentLength()
	if err != nil || !ok || length <= 0 {
		return nil
	}
	if err := message.Continue().Write(e.conn); err != nil {
		return newError(ErrCodeHTTPContinueFailed, err)
	}
	return nil
}

func (e *Engine) exchange(ctx context.Context, req *message.Request) error {
	start := time.Now()
	remote, host, err := e.strategy.Remote(ctx, req)
	if err != nil {
		return err
	}

	outgoing := e.strategy.RewriteRequest(req)
	if err := outgoing.Write(remote); err != nil {
		return newError(ErrCodeHTTPRequestWriteFailed, err)
	}

	resp, err := message.ReadFinalResponse(readerFor(remote))
	if err != nil {
		return newError(ErrCodeHTTPResponseReadFailed, err)
	}

	resp = e.strategy.RewriteResponse(resp)
	if err := resp.Write(e.conn); err != nil {
		return newError(ErrCodeHTTPResponseWriteFailed, err)
	}
	stop := time.Now()

	e.debugf("%s %s -> %d", outgoing.Method(), host, resp.StatusCode())
	if e.callbacks.OnTransaction != nil {
		e.callbacks.OnTransaction(&Transaction{
			Request:  outgoing,
			Response: resp,
			Host:     host,
			Start:    start,
			Stop:     stop,
			Token:    e.token,
		})
	}
	return nil
}

func (e *Engine) connect(ctx context.Context, req *message.Request) error {
	target := req.Location().Host
	if target == nil {
		return newError(ErrCodeMissingTargetHost, fmt.Errorf("CONNECT %s", req.Location()))
	}
	host := *target

	ok := message.NewResponse(message.StatusOK, "OK", message.NewHeaders(), nil)
	if err := ok.Write(e.conn); err != nil {
		return newError(ErrCodeHTTPResponseWriteFailed, err)
	}
	client := newBufferedConn(e.conn, e.reader)

	if !e.inspect(host) {
		e.debugf("Opaque tunnel to %s", host.Address())
		remote, err := e.dial(ctx, host)
		if err != nil {
			return err
		}
		return NewTunnel(client, remote, e.cfg.TunnelInactivity).Run()
	}

	if host.EffectivePort() == message.DefaultHTTPPort {
		e.debugf("Inspecting plain tunnel to %s", host.Address())
		remote, err := e.dial(ctx, host)
		if err != nil {
			return err
		}
		return e.child(client, remote, host.WithScheme("http")).serve(ctx)
	}

	if e.cfg.Mint == nil {
		return newError(ErrCodeMintNotConfigured, nil)
	}
	e.debugf("Inspecting TLS tunnel to %s", host.Address())

	raw, err := e.dial(ctx, host)
	if err != nil {
		return err
	}
	upstream := tls.Client(raw, &tls.Config{
		ServerName:         host.Hostname,
		InsecureSkipVerify: e.cfg.TrustAllUpstream,
	})
	e.setRemote(upstream)

	server := tls.Server(client, e.cfg.Mint.ServerConfig(mint.NewBinding(host.Hostname)))
	if err := server.HandshakeContext(ctx); err != nil {
		return newError(ErrCodeTLSHandshakeFailed, err)
	}
	if err := upstream.HandshakeContext(ctx); err != nil {
		return newError(ErrCodeTLSUpstreamFailed, err)
	}
	return e.child(server, upstream, host.WithScheme("https")).serve(ctx)
}

func (e *Engine) inspect(host message.Host) bool {
	if !e.cfg.InspectTunnels {
		return false
	}
	return !classify(e.cfg.NoInspect, NewClassifierInput(host.Hostname, host.EffectivePort()))
}

// child returns an engine serving the inside of a tunnel. It shares the
// token and transaction callback; the remote stays owned by e. Errors return
// to e, and CONNECT is forwarded like any other method.
func (e *Engine) child(client, remote net.Conn, host message.Host) *Engine {
	c := &Engine{
		conn:   client,
		reader: readerFor(client),
		token:  e.token,
		cfg:    e.cfg,
		callbacks: Callbacks{
			OnTransaction: e.callbacks.OnTransaction,
		},
	}
	c.strategy = Strategy{
		Remote: func(context.Context, *message.Request) (net.Conn, message.Host, error) {
			return remote, host, nil
		},
		RewriteRequest:  c.rewriteTunnel,
		RewriteResponse: rewriteResponse,
	}
	return c
}

func (e *Engine) dial(ctx context.Context, host message.Host) (net.Conn, error) {
	dialer := e.cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: DefaultDialTimeout}
	}
	conn, err := dialer.DialContext(ctx, "tcp", host.Address())
	if err != nil {
		if _, coded := codeOf(err); coded {
			return nil, err
		}
		return nil, newError(ErrCodeDialFailed, fmt.Errorf("%s: %w", host.Address(), err))
	}
	e.setRemote(conn)
	return conn, nil
}

func (e *Engine) forwardRemote(ctx context.Context, req *message.Request) (net.Conn, message.Host, error) {
	host, ok := req.Host()
	if !ok {
		return nil, message.Host{}, newError(ErrCodeMissingTargetHost, fmt.Errorf("%s %s", req.Method(), req.Location()))
	}
	conn, err := e.dial(ctx, host)
	if err != nil {
		return nil, host, err
	}
	if host.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host.Hostname,
			InsecureSkipVerify: e.cfg.TrustAllUpstream,
		})
		e.setRemote(tlsConn)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, host, newError(ErrCodeTLSUpstreamFailed, err)
		}
		conn = tlsConn
	}
	return conn, host, nil
}

func (e *Engine) rewriteForward(req *message.Request) *message.Request {
	out := req.
		WithoutHeaders("Proxy-Authorization", "Proxy-Connection").
		WithReplacedHeader(ProxyTokenHeader, e.token).
		WithHeader("Forwarded", fmt.Sprintf("by=%s; for=%s", e.conn.LocalAddr(), e.conn.RemoteAddr()))
	if !out.Headers().Has("Host") {
		if host, ok := req.Host(); ok {
			out = out.WithHeader("Host", host.String())
		}
	}
	return out.WithFramingHeaders().WithOnlyPath()
}

func (e *Engine) rewriteTunnel(req *message.Request) *message.Request {
	return req.
		WithReplacedHeader(ProxyTokenHeader, e.token).
		WithFramingHeaders().
		WithOnlyPath()
}

func rewriteResponse(resp *message.Response) *message.Response {
	return resp.WithFramingHeaders()
}

func (e *Engine) setRemote(conn net.Conn) {
	e.mu.Lock()
	e.remote = conn
	e.mu.Unlock()
}

func (e *Engine) closeRemote() {
	e.mu.Lock()
	remote := e.remote
	e.remote = nil
	e.mu.Unlock()
	closeQuietly(remote)
}

func (e *Engine) debugf(format string, v ...any) {
	logger.Debug("%s", logger.WithConnection(e.token, format, v...))
}
