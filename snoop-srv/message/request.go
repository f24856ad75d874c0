package message

import (
	"bufio"
	"io"
	"strings"
)

// Common methods and versions.
const (
	MethodGet     = "GET"
	MethodPost    = "POST"
	MethodConnect = "CONNECT"

	HTTP11 = "HTTP/1.1"
)

// RequestLine is "METHOD target VERSION". A parsed line remembers its input
// and serializes to it unchanged.
type RequestLine struct {
	Method  string
	Target  Location
	Version string

	raw string
}

// ParseRequestLine splits line on single spaces into exactly three tokens.
func ParseRequestLine(line string) (RequestLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return RequestLine{}, newParseError("malformed request line", line, nil)
	}
	target, err := ParseLocation(parts[1])
	if err != nil {
		return RequestLine{}, newParseError("malformed request target", line, err)
	}
	return RequestLine{Method: parts[0], Target: target, Version: parts[2], raw: line}, nil
}

func (l RequestLine) String() string {
	if l.raw != "" {
		return l.raw
	}
	return l.Method + " " + l.Target.String() + " " + l.Version
}

// Request is an immutable HTTP request. The With* methods return modified copies.
type Request struct {
	line    RequestLine
	headers Headers
	body    Body
}

// NewRequest builds an HTTP/1.1 request. A nil body is Empty.
func NewRequest(method string, target Location, headers Headers, body Body) *Request {
	if body == nil {
		body = EmptyBody{}
	}
	return &Request{
		line:    RequestLine{Method: method, Target: target, Version: HTTP11},
		headers: headers,
		body:    body,
	}
}

func (r *Request) Line() RequestLine  { return r.line }
func (r *Request) Method() string     { return r.line.Method }
func (r *Request) Location() Location { return r.line.Target }
func (r *Request) Version() string    { return r.line.Version }
func (r *Request) Headers() Headers   { return r.headers }
func (r *Request) Body() Body         { return r.body }

func (r *Request) copy() *Request {
	c := *r
	return &c
}

func (r *Request) WithLine(line RequestLine) *Request {
	c := r.copy()
	c.line = line
	return c
}

func (r *Request) WithMethod(method string) *Request {
	c := r.copy()
	c.line.Method = method
	c.line.raw = ""
	return c
}

func (r *Request) WithLocation(loc Location) *Request {
	c := r.copy()
	c.line.Target = loc
	c.line.raw = ""
	return c
}

func (r *Request) WithVersion(version string) *Request {
	c := r.copy()
	c.line.Version = version
	c.line.raw = ""
	return c
}

// WithOnlyPath reduces the target to its origin form.
func (r *Request) WithOnlyPath() *Request {
	return r.WithLocation(r.line.Target.WithoutAuthority())
}

func (r *Request) WithHeaders(headers Headers) *Request {
	c := r.copy()
	c.headers = headers
	return c
}

func (r *Request) WithHeader(name, value string) *Request {
	return r.WithHeaders(r.headers.With(name, value))
}

func (r *Request) WithoutHeaders(names ...string) *Request {
	return r.WithHeaders(r.headers.Without(names...))
}

func (r *Request) WithReplacedHeader(name string, values ...string) *Request {
	return r.WithHeaders(r.headers.WithReplaced(name, values...))
}

// WithBody swaps the body; headers are left alone.
func (r *Request) WithBody(body Body) *Request {
	if body == nil {
		body = EmptyBody{}
	}
	c := r.copy()
	c.body = body
	return c
}

// WithFramingHeaders recomputes Content-Length or Transfer-Encoding from the body.
func (r *Request) WithFramingHeaders() *Request {
	return r.WithHeaders(framingHeaders(r.headers, r.body))
}

// Host returns the target host, from the Host header when present and from
// the request target otherwise.
func (r *Request) Host() (Host, bool) {
	scheme := r.line.Target.Scheme
	if hostHeader := r.headers.First("Host"); hostHeader != "" {
		if h, err := ParseHost(hostHeader, scheme); err == nil {
			return h, true
		}
	}
	if r.line.Target.Host != nil {
		return *r.line.Target.Host, true
	}
	return Host{}, false
}

// ReadRequest parses one request from r. beforeBody, when non-nil, runs once
// with the request head right before body bytes are read; it is not called
// for requests without a body.
func ReadRequest(r *bufio.Reader, beforeBody func(*Request) error) (*Request, error) {
	first, headers, err := readHead(r)
	if err != nil {
		return nil, err
	}
	line, err := ParseRequestLine(first)
	if err != nil {
		return nil, err
	}

	req := &Request{line: line, headers: headers, body: EmptyBody{}}
	var hook func() error
	if beforeBody != nil {
		hook = func() error { return beforeBody(req) }
	}
	body, err := readBody(r, headers, hook)
	if err != nil {
		return nil, err
	}
	return req.WithBody(body), nil
}

// Write serializes the request to w.
func (r *Request) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := writeHead(bw, r.line.String(), r.headers); err != nil {
		return err
	}
	if err := writeBody(bw, r.body); err != nil {
		return err
	}
	return bw.Flush()
}
