package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// readLine returns one CRLF- or LF-terminated line without its terminator.
// A final line without terminator is returned as is; io.EOF is returned only
// when nothing was read.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSuffix(line, "\r"), nil
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// readHead reads the start line and the header block.
func readHead(r *bufio.Reader) (string, Headers, error) {
	first, err := readLine(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", Headers{}, ErrNoMessage
		}
		return "", Headers{}, err
	}

	var headers Headers
	for {
		line, err := readLine(r)
		if err != nil {
			return "", Headers{}, newParseError("truncated header block", first, err)
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return "", Headers{}, newParseError("malformed header", line, nil)
		}
		headers.add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
	return first, headers, nil
}

// readBody reads the body announced by headers. before runs exactly once,
// right before the first body byte is consumed, and only when a body is
// announced.
func readBody(r *bufio.Reader, headers Headers, before func() error) (Body, error) {
	chunked := headers.IsChunked()
	length, hasLength, err := headers.ContentLength()
	if err != nil && !chunked {
		return nil, err
	}
	if !chunked && !hasLength {
		return EmptyBody{}, nil
	}

	if before != nil {
		if err := before(); err != nil {
			return nil, err
		}
	}

	var data []byte
	if chunked {
		data, err = io.ReadAll(NewChunkedReader(r))
		if err != nil {
			return nil, err
		}
	} else {
		// The buffer grows with the bytes received, not with the declared length.
		var buf bytes.Buffer
		if _, err := io.CopyN(&buf, r, length); err != nil {
			return nil, newParseError("truncated body", "", err)
		}
		data = buf.Bytes()
	}
	return NewBody(data, headers), nil
}

// writeHead writes the start line, the headers and the blank line.
func writeHead(w *bufio.Writer, first string, headers Headers) error {
	if _, err := w.WriteString(first + "\r\n"); err != nil {
		return err
	}
	for _, header := range headers.list {
		for _, v := range header.Values {
			if _, err := w.WriteString(header.Name + ": " + v + "\r\n"); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// writeBody writes a sized body as is and a stream body chunked.
func writeBody(w *bufio.Writer, body Body) error {
	if IsEmpty(body) {
		return nil
	}
	if body.Len() < 0 {
		return EncodeChunked(w, readerOf(body), DefaultChunkSize)
	}
	_, err := body.WriteTo(w)
	return err
}

func readerOf(body Body) io.Reader {
	if s, ok := body.(*StreamBody); ok {
		return s.Reader()
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := body.WriteTo(pw)
		pw.CloseWithError(err)
	}()
	return pr
}

// framingHeaders replaces Content-Length and Transfer-Encoding with the
// values matching body.
func framingHeaders(headers Headers, body Body) Headers {
	headers = headers.Without("Content-Length", "Transfer-Encoding")
	if IsEmpty(body) {
		return headers
	}
	if body.Len() < 0 {
		return headers.With("Transfer-Encoding", "chunked")
	}
	return headers.With("Content-Length", formatInt(body.Len()))
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
