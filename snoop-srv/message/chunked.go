package message

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ChunkedReader decodes a chunked body. It stops at the zero-size chunk and
// discards any trailer lines.
type ChunkedReader struct {
	r         *bufio.Reader
	remaining int64
	done      bool
	err       error
}

func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if c.remaining == 0 {
		size, err := c.readSize()
		if err != nil {
			c.err = err
			return 0, err
		}
		if size == 0 {
			if err := c.skipTrailers(); err != nil {
				c.err = err
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		c.err = newParseError("truncated chunk", "", err)
		return n, c.err
	}

	if c.remaining == 0 {
		line, err := readLine(c.r)
		if err != nil {
			c.err = newParseError("missing chunk terminator", "", err)
			return n, c.err
		}
		if line != "" {
			c.err = newParseError("chunk data longer than declared size", line, nil)
			return n, c.err
		}
	}
	return n, nil
}

func (c *ChunkedReader) readSize() (int64, error) {
	line, err := readLine(c.r)
	if err != nil {
		return 0, newParseError("missing chunk size", "", err)
	}
	digits := line
	if i := strings.IndexByte(digits, ';'); i >= 0 {
		digits = digits[:i]
	}
	digits = strings.TrimSpace(digits)
	size, err := strconv.ParseInt(digits, 16, 64)
	if err != nil || size < 0 {
		return 0, newParseError("invalid chunk size", line, err)
	}
	return size, nil
}

func (c *ChunkedReader) skipTrailers() error {
	for {
		line, err := readLine(c.r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return newParseError("invalid chunk trailer", "", err)
		}
		if line == "" {
			return nil
		}
	}
}

// ChunkedWriter frames every Write as one chunk. Close writes the final
// zero-size chunk but leaves the underlying writer open.
type ChunkedWriter struct {
	w io.Writer
}

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

func (c *ChunkedWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}

// EncodeChunked copies src to dst as chunks of at most chunkSize bytes,
// followed by the terminating chunk. A chunkSize of 0 uses DefaultChunkSize.
func EncodeChunked(dst io.Writer, src io.Reader, chunkSize int) error {
	var buf []byte
	if chunkSize <= 0 || chunkSize == DefaultChunkSize {
		pooled := getBuffer()
		defer putBuffer(pooled)
		buf = *pooled
	} else {
		buf = make([]byte, chunkSize)
	}

	cw := NewChunkedWriter(dst)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := cw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return cw.Close()
}
