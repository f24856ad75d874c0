package message

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Status codes the proxy itself produces or handles.
const (
	StatusContinue = 100
	StatusOK       = 200
)

// ResponseLine is "VERSION CODE REASON". A parsed line serializes to its input.
type ResponseLine struct {
	Version    string
	StatusCode int
	Reason     string

	raw string
}

// ParseResponseLine requires a version and a numeric status code; the reason
// phrase may be empty or missing.
func ParseResponseLine(line string) (ResponseLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[0] == "" {
		return ResponseLine{}, newParseError("malformed status line", line, nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return ResponseLine{}, newParseError("invalid status code", line, err)
	}
	rl := ResponseLine{Version: parts[0], StatusCode: code, raw: line}
	if len(parts) == 3 {
		rl.Reason = parts[2]
	}
	return rl, nil
}

func (l ResponseLine) String() string {
	if l.raw != "" {
		return l.raw
	}
	return l.Version + " " + strconv.Itoa(l.StatusCode) + " " + l.Reason
}

// Response is an immutable HTTP response. The With* methods return modified copies.
type Response struct {
	line    ResponseLine
	headers Headers
	body    Body
}

// NewResponse builds an HTTP/1.1 response. A nil body is Empty.
func NewResponse(statusCode int, reason string, headers Headers, body Body) *Response {
	if body == nil {
		body = EmptyBody{}
	}
	return &Response{
		line:    ResponseLine{Version: HTTP11, StatusCode: statusCode, Reason: reason},
		headers: headers,
		body:    body,
	}
}

// Continue returns the interim "100 Continue" response.
func Continue() *Response {
	return NewResponse(StatusContinue, "Continue", Headers{}, nil)
}

func (r *Response) Line() ResponseLine { return r.line }
func (r *Response) StatusCode() int    { return r.line.StatusCode }
func (r *Response) Reason() string     { return r.line.Reason }
func (r *Response) Version() string    { return r.line.Version }
func (r *Response) Headers() Headers   { return r.headers }
func (r *Response) Body() Body         { return r.body }

func (r *Response) copy() *Response {
	c := *r
	return &c
}

func (r *Response) WithStatus(code int, reason string) *Response {
	c := r.copy()
	c.line.StatusCode = code
	c.line.Reason = reason
	c.line.raw = ""
	return c
}

func (r *Response) WithHeaders(headers Headers) *Response {
	c := r.copy()
	c.headers = headers
	return c
}

func (r *Response) WithHeader(name, value string) *Response {
	return r.WithHeaders(r.headers.With(name, value))
}

func (r *Response) WithoutHeaders(names ...string) *Response {
	return r.WithHeaders(r.headers.Without(names...))
}

func (r *Response) WithReplacedHeader(name string, values ...string) *Response {
	return r.WithHeaders(r.headers.WithReplaced(name, values...))
}

func (r *Response) WithBody(body Body) *Response {
	if body == nil {
		body = EmptyBody{}
	}
	c := r.copy()
	c.body = body
	return c
}

// WithFramingHeaders recomputes Content-Length or Transfer-Encoding from the body.
func (r *Response) WithFramingHeaders() *Response {
	return r.WithHeaders(framingHeaders(r.headers, r.body))
}

// ReadResponse parses one response from r.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	first, headers, err := readHead(r)
	if err != nil {
		return nil, err
	}
	line, err := ParseResponseLine(first)
	if err != nil {
		return nil, err
	}
	body, err := readBody(r, headers, nil)
	if err != nil {
		return nil, err
	}
	return &Response{line: line, headers: headers, body: body}, nil
}

// ReadFinalResponse reads responses until one is not an interim 100 Continue.
func ReadFinalResponse(r *bufio.Reader) (*Response, error) {
	for {
		resp, err := ReadResponse(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != StatusContinue {
			return resp, nil
		}
	}
}

// Write serializes the response to w.
func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := writeHead(bw, r.line.String(), r.headers); err != nil {
		return err
	}
	if err := writeBody(bw, r.body); err != nil {
		return err
	}
	return bw.Flush()
}
