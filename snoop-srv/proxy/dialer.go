package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/authlab/snoop/snoop-srv/config"
	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/message"
	"golang.org/x/net/proxy"
)

// DefaultDialTimeout bounds connection setup to targets and forward proxies.
const DefaultDialTimeout = 30 * time.Second

// Dialer opens connections to targets on behalf of the engine.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

type forwardRule struct {
	classifier Classifier
	forward    config.Forward
}

// ForwardDialer dials targets directly or through an upstream SOCKS5 or HTTP
// proxy, chosen by the first forward rule whose classifier matches the
// target. Targets no rule matches are dialed directly.
type ForwardDialer struct {
	base  *net.Dialer
	rules []forwardRule
}

// NewForwardDialer compiles the classifiers of forwards. named holds the
// compiled classifiers section that rules may reference.
func NewForwardDialer(forwards []config.Forward, named map[string]Classifier, timeout time.Duration) (*ForwardDialer, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := &ForwardDialer{
		base: &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
	}
	for i, fwd := range forwards {
		switch fwd.Type() {
		case config.ForwardTypeDefaultNetwork, config.ForwardTypeSocks5, config.ForwardTypeProxy:
		default:
			return nil, NewProxyError(ErrCodeUnknownForwardType, GetErrorDescription(ErrCodeUnknownForwardType), fmt.Errorf("forward %d: %v", i, fwd.Type()))
		}
		classifier, err := CompileClassifier(fwd.Classifier(), named)
		if err != nil {
			return nil, NewProxyError(ErrCodeClassifierCompile, GetErrorDescription(ErrCodeClassifierCompile), fmt.Errorf("forward %d: %w", i, err))
		}
		d.rules = append(d.rules, forwardRule{classifier: classifier, forward: fwd})
	}
	return d, nil
}

// DialContext implements Dialer.
func (d *ForwardDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, newError(ErrCodeInvalidAddress, fmt.Errorf("%s: %w", address, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, newError(ErrCodeInvalidAddress, fmt.Errorf("%s: %w", address, err))
	}

	input := NewClassifierInput(host, port)
	for _, rule := range d.rules {
		if !classify(rule.classifier, input) {
			continue
		}
		switch fwd := rule.forward.(type) {
		case *config.ForwardSocks5:
			logger.Debug("Dialing %s via SOCKS5 proxy %s", address, fwd.Address)
			return d.dialSocks5(ctx, fwd, network, address)
		case *config.ForwardProxy:
			logger.Debug("Dialing %s via HTTP proxy %s", address, fwd.Address)
			return d.dialHTTPProxy(ctx, fwd, network, address)
		default:
			return d.dialDirect(ctx, network, address)
		}
	}
	return d.dialDirect(ctx, network, address)
}

func (d *ForwardDialer) dialDirect(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.base.DialContext(ctx, network, address)
	if err != nil {
		return nil, newError(ErrCodeDialFailed, fmt.Errorf("%s: %w", address, err))
	}
	return conn, nil
}

func (d *ForwardDialer) dialSocks5(ctx context.Context, fwd *config.ForwardSocks5, network, address string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	socksDialer, err := proxy.SOCKS5("tcp", fwd.Address, auth, d.base)
	if err != nil {
		return nil, newError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, address)
	} else {
		conn, err = socksDialer.Dial(network, address)
	}
	if err != nil {
		return nil, newError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via %s: %w", address, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy asks an upstream HTTP proxy for a CONNECT tunnel to address.
func (d *ForwardDialer) dialHTTPProxy(ctx context.Context, fwd *config.ForwardProxy, network, address string) (net.Conn, error) {
	conn, err := d.base.DialContext(ctx, network, fwd.Address)
	if err != nil {
		return nil, newError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}

	target, err := message.ParseLocation(address)
	if err != nil {
		closeQuietly(conn)
		return nil, newError(ErrCodeInvalidAddress, err)
	}
	headers := message.NewHeaders().With("Host", address)
	if fwd.Username != nil {
		password := ""
		if fwd.Password != nil {
			password = *fwd.Password
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + password))
		headers = headers.With("Proxy-Authorization", "Basic "+credentials)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	req := message.NewRequest(message.MethodConnect, target, headers, nil)
	if err := req.Write(conn); err != nil {
		closeQuietly(conn)
		return nil, newError(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	reader := bufio.NewReader(conn)
	resp, err := message.ReadFinalResponse(reader)
	if err != nil {
		closeQuietly(conn)
		return nil, newError(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	if resp.StatusCode() != message.StatusOK {
		closeQuietly(conn)
		return nil, newError(ErrCodeProxyDenied, fmt.Errorf("proxy %s denied CONNECT to %s with status %d", fwd.Address, address, resp.StatusCode()))
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, address)
	return newBufferedConn(conn, reader), nil
}

func closeQuietly(conn net.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Debug("Error closing connection: %v", err)
	}
}
