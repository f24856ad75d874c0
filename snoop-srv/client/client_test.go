package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/authlab/snoop/snoop-srv/message"
	"github.com/authlab/snoop/snoop-srv/mint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// server runs handle for every accepted connection and remembers the
// requests handle reports.
type server struct {
	ln net.Listener

	mu       sync.Mutex
	requests []*message.Request
}

func startServer(t *testing.T, handle func(s *server, conn net.Conn)) *server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &server{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				handle(s, conn)
			}()
		}
	}()
	return s
}

func (s *server) addr() string {
	return s.ln.Addr().String()
}

func (s *server) record(req *message.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}

func (s *server) received() []*message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Request(nil), s.requests...)
}

// answer reads one request from conn and replies with body.
func answer(s *server, conn net.Conn, body string) {
	req, err := message.ReadRequest(bufio.NewReader(conn), nil)
	if err != nil {
		return
	}
	s.record(req)
	resp := message.NewResponse(200, "OK", message.NewHeaders(), message.NewStringBody(body, "text/plain"))
	_ = resp.WithFramingHeaders().Write(conn)
}

func testMint(t *testing.T) *mint.Mint {
	t.Helper()
	ca, err := mint.LoadAuthority("../mint/testdata/ca.crt", "../mint/testdata/ca.key", "")
	require.NoError(t, err)
	m, err := mint.New(ca, mint.Options{})
	require.NoError(t, err)
	return m
}

func trustingConfig(m *mint.Mint) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(m.Authority().Certificate)
	return &tls.Config{RootCAs: pool}
}

func get(path string) *message.Request {
	return message.NewRequest(message.MethodGet, message.MustParseLocation(path), message.NewHeaders(), nil)
}

func TestNew(t *testing.T) {
	c, err := New("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", c.Target().Hostname)
	assert.Equal(t, "https", c.Target().Scheme)
	assert.Equal(t, DefaultTimeout, c.timeout)

	c, err = New("http://127.0.0.1:8081", WithProxy("127.0.0.1:3128"), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 8081, c.Target().Port)
	assert.Equal(t, "127.0.0.1:3128", c.proxy)
	assert.Equal(t, time.Second, c.timeout)
}

func TestNewRejectsInvalidLocations(t *testing.T) {
	tests := []string{
		"ftp://example.com",
		"/only/a/path",
		"http://example.com:99999",
	}
	for _, location := range tests {
		t.Run(location, func(t *testing.T) {
			_, err := New(location)
			assert.Error(t, err)
		})
	}
}

func TestExecuteDirect(t *testing.T) {
	origin := startServer(t, func(s *server, conn net.Conn) { answer(s, conn, "hello") })

	c, err := New("http://" + origin.addr())
	require.NoError(t, err)
	req := message.NewRequest(message.MethodPost, message.MustParseLocation("/submit?x=1"),
		message.NewHeaders(), message.NewStringBody("name=snoop", "text/plain"))
	resp, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "hello", string(message.Bytes(resp.Body())))

	received := origin.received()
	require.Len(t, received, 1)
	got := received[0]
	assert.Equal(t, "/submit?x=1", got.Location().String())
	assert.Equal(t, origin.addr(), got.Headers().First("Host"))
	assert.Equal(t, "10", got.Headers().First("Content-Length"))
	assert.Equal(t, "name=snoop", string(message.Bytes(got.Body())))
}

func TestExecuteKeepsHostHeader(t *testing.T) {
	origin := startServer(t, func(s *server, conn net.Conn) { answer(s, conn, "ok") })

	c, err := New("http://" + origin.addr())
	require.NoError(t, err)
	req := message.NewRequest(message.MethodGet, message.MustParseLocation("/"),
		message.NewHeaders().With("Host", "virtual.example"), nil)
	_, err = c.Execute(context.Background(), req)
	require.NoError(t, err)

	received := origin.received()
	require.Len(t, received, 1)
	assert.Equal(t, "virtual.example", received[0].Headers().First("Host"))
}

func TestExecuteSkipsContinue(t *testing.T) {
	origin := startServer(t, func(_ *server, conn net.Conn) {
		if _, err := message.ReadRequest(bufio.NewReader(conn), nil); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 100 Continue\r\n\r\n"+
			"HTTP/1.1 201 Created\r\nContent-Length: 4\r\n\r\ndone")
	})

	c, err := New("http://" + origin.addr())
	require.NoError(t, err)
	resp, err := c.Execute(context.Background(), get("/"))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode())
	assert.Equal(t, "done", string(message.Bytes(resp.Body())))
}

func TestExecuteDirectTLS(t *testing.T) {
	m := testMint(t)
	cert, err := m.TLSCertificate("127.0.0.1")
	require.NoError(t, err)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{*cert}}

	origin := startServer(t, func(s *server, conn net.Conn) {
		tlsConn := tls.Server(conn, serverCfg)
		defer func() { _ = tlsConn.Close() }()
		answer(s, tlsConn, "secure")
	})

	c, err := New("https://"+origin.addr(), WithTLSConfig(trustingConfig(m)))
	require.NoError(t, err)
	resp, err := c.Execute(context.Background(), get("/tls"))
	require.NoError(t, err)
	assert.Equal(t, "secure", string(message.Bytes(resp.Body())))

	received := origin.received()
	require.Len(t, received, 1)
	assert.Equal(t, "/tls", received[0].Location().String())
}

func TestExecuteDirectTLSUntrusted(t *testing.T) {
	m := testMint(t)
	cert, err := m.TLSCertificate("127.0.0.1")
	require.NoError(t, err)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{*cert}}

	origin := startServer(t, func(_ *server, conn net.Conn) {
		_ = tls.Server(conn, serverCfg).Handshake()
	})

	c, err := New("https://" + origin.addr())
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), get("/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS handshake with 127.0.0.1 failed")
}

func TestExecuteThroughProxy(t *testing.T) {
	proxy := startServer(t, func(s *server, conn net.Conn) { answer(s, conn, "proxied") })

	c, err := New("http://origin.test:8080", WithProxy(proxy.addr()))
	require.NoError(t, err)
	resp, err := c.Execute(context.Background(), get("/page?q=1"))
	require.NoError(t, err)
	assert.Equal(t, "proxied", string(message.Bytes(resp.Body())))

	received := proxy.received()
	require.Len(t, received, 1)
	assert.Equal(t, "http://origin.test:8080/page?q=1", received[0].Location().String())
	assert.Equal(t, "origin.test:8080", received[0].Headers().First("Host"))
}

func TestExecuteThroughProxyTLS(t *testing.T) {
	m := testMint(t)
	cert, err := m.TLSCertificate("origin.test")
	require.NoError(t, err)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{*cert}}

	var connects []*message.Request
	var mu sync.Mutex
	proxy := startServer(t, func(s *server, conn net.Conn) {
		connect, err := message.ReadRequest(bufio.NewReader(conn), nil)
		if err != nil {
			return
		}
		mu.Lock()
		connects = append(connects, connect)
		mu.Unlock()
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
		tlsConn := tls.Server(conn, serverCfg)
		defer func() { _ = tlsConn.Close() }()
		answer(s, tlsConn, "inside")
	})

	c, err := New("https://origin.test", WithProxy(proxy.addr()), WithTLSConfig(trustingConfig(m)))
	require.NoError(t, err)
	resp, err := c.Execute(context.Background(), get("/secret"))
	require.NoError(t, err)
	assert.Equal(t, "inside", string(message.Bytes(resp.Body())))

	mu.Lock()
	require.Len(t, connects, 1)
	connect := connects[0]
	mu.Unlock()
	assert.Equal(t, message.MethodConnect, connect.Method())
	assert.Equal(t, "origin.test:443", connect.Location().String())
	assert.Equal(t, "origin.test:443", connect.Headers().First("Host"))

	received := proxy.received()
	require.Len(t, received, 1)
	assert.Equal(t, "/secret", received[0].Location().String())
	assert.Equal(t, "origin.test", received[0].Headers().First("Host"))
}

func TestExecuteProxyRefusesConnect(t *testing.T) {
	proxy := startServer(t, func(_ *server, conn net.Conn) {
		if _, err := message.ReadRequest(bufio.NewReader(conn), nil); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
	})

	c, err := New("https://origin.test", WithProxy(proxy.addr()))
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), get("/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy refused CONNECT to origin.test:443: 407")
}

func TestExecuteDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New("http://" + addr)
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), get("/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial "+addr)

	c, err = New("http://origin.test", WithProxy(addr))
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), get("/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial proxy "+addr)
}

func TestExecuteCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	origin := startServer(t, func(_ *server, conn net.Conn) {
		_, _ = message.ReadRequest(bufio.NewReader(conn), nil)
		<-release
	})

	c, err := New("http://"+origin.addr(), WithTimeout(10*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = c.Execute(ctx, get("/slow"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	origin := startServer(t, func(_ *server, conn net.Conn) {
		_, _ = message.ReadRequest(bufio.NewReader(conn), nil)
		<-release
	})

	c, err := New("http://"+origin.addr(), WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Execute(context.Background(), get("/slow"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
