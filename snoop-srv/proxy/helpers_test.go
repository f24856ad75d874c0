package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/authlab/snoop/snoop-srv/message"
	"github.com/authlab/snoop/snoop-srv/mint"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// testOrigin is a target server that answers every request with respond
// and remembers what it received.
type testOrigin struct {
	ln      net.Listener
	respond func(*message.Request) *message.Response

	mu       sync.Mutex
	requests []*message.Request
}

func startOrigin(t *testing.T, respond func(*message.Request) *message.Response) *testOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveOrigin(t, ln, respond)
}

// startTLSOrigin serves over TLS with a certificate minted by m.
func startTLSOrigin(t *testing.T, m *mint.Mint, respond func(*message.Request) *message.Response) *testOrigin {
	t.Helper()
	cert, err := m.TLSCertificate("origin.test")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveOrigin(t, tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{*cert}}), respond)
}

func serveOrigin(t *testing.T, ln net.Listener, respond func(*message.Request) *message.Response) *testOrigin {
	if respond == nil {
		respond = func(*message.Request) *message.Response {
			return message.NewResponse(200, "OK", message.NewHeaders(), message.NewStringBody("hello", "text/plain"))
		}
	}
	o := &testOrigin{ln: ln, respond: respond}
	go o.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return o
}

func (o *testOrigin) serve() {
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			return
		}
		go o.handle(conn)
	}
}

func (o *testOrigin) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)
	for {
		req, err := message.ReadRequest(r, nil)
		if err != nil {
			return
		}
		o.mu.Lock()
		o.requests = append(o.requests, req)
		o.mu.Unlock()
		if err := o.respond(req).WithFramingHeaders().Write(conn); err != nil {
			return
		}
	}
}

func (o *testOrigin) addr() string {
	return o.ln.Addr().String()
}

func (o *testOrigin) received() []*message.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*message.Request(nil), o.requests...)
}

// startEcho returns the address of a server echoing every byte back.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// startEngine serves the first accepted connection with an Engine and
// reports the result of Run.
func startEngine(t *testing.T, cfg *EngineConfig) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	result := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer func() { _ = conn.Close() }()
		result <- NewEngine(conn, testToken, cfg).Run(context.Background())
	}()
	return ln.Addr().String(), result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not finish")
		return nil
	}
}

// recorder collects engine callbacks.
type recorder struct {
	mu           sync.Mutex
	transactions []*Transaction
	exceptions   []error
	closed       int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTransaction: func(tx *Transaction) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transactions = append(r.transactions, tx)
		},
		OnException: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.exceptions = append(r.exceptions, err)
		},
		OnClose: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed++
		},
	}
}

func (r *recorder) snapshot() ([]*Transaction, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transaction(nil), r.transactions...), append([]error(nil), r.exceptions...), r.closed
}

func testMint(t *testing.T) *mint.Mint {
	t.Helper()
	ca, err := mint.LoadAuthority("../mint/testdata/ca.crt", "../mint/testdata/ca.key", "")
	require.NoError(t, err)
	m, err := mint.New(ca, mint.Options{})
	require.NoError(t, err)
	return m
}

func caPool(m *mint.Mint) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.Authority().Certificate)
	return pool
}

// dialProxy connects to the proxy and returns the connection with a reader
// for responses.
func dialProxy(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn, bufio.NewReader(conn)
}

// connectThrough sends CONNECT for target and expects 200.
func connectThrough(t *testing.T, conn net.Conn, r *bufio.Reader, target string) {
	t.Helper()
	_, err := io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)
	resp, err := message.ReadResponse(r)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode())
}

func codeOfErr(err error) string {
	code, _ := codeOf(err)
	return code
}

func ptr[T any](v T) *T {
	return &v
}
