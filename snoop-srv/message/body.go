package message

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// Content types the codec specializes on.
const (
	ContentTypeForm  = "application/x-www-form-urlencoded"
	ContentTypeJSON  = "application/json"
	ContentTypeText  = "text/plain"
	ContentTypeHTML  = "text/html"
	ContentTypeOctet = "application/octet-stream"
)

// Body is the payload of a message. The set of implementations is closed:
// EmptyBody, *RawBody, *StringBody, *FormBody, *JSONBody and *StreamBody.
type Body interface {
	// Len returns the number of bytes WriteTo produces, or -1 for streams.
	Len() int64
	// ContentType is the declared content type, "" when unknown.
	ContentType() string
	WriteTo(w io.Writer) (int64, error)

	sealed()
}

// NewBody interprets data according to the message headers. Without a
// Content-Encoding the media type selects Form, String or JSON; everything
// else, and every encoded payload, stays Raw. Specialized bodies keep data
// as their backing body and write it back unchanged.
func NewBody(data []byte, headers Headers) Body {
	raw := &RawBody{
		data:            data,
		contentType:     headers.First("Content-Type"),
		contentEncoding: headers.First("Content-Encoding"),
	}
	if headers.Has("Content-Encoding") {
		return raw
	}
	switch headers.MediaType() {
	case ContentTypeForm:
		return &FormBody{backing: raw}
	case ContentTypeText, ContentTypeHTML:
		return &StringBody{text: string(data), contentType: raw.contentType, backing: raw}
	case ContentTypeJSON:
		return &JSONBody{backing: raw, contentType: raw.contentType}
	default:
		return raw
	}
}

// Backing returns the original bytes a specialized body was built from.
func Backing(b Body) (*RawBody, bool) {
	switch v := b.(type) {
	case *StringBody:
		return v.backing, v.backing != nil
	case *FormBody:
		return v.backing, v.backing != nil
	case *JSONBody:
		return v.backing, v.backing != nil
	}
	return nil, false
}

// Bytes renders a sized body into memory. Streams are not consumed and
// return nil.
func Bytes(b Body) []byte {
	if b == nil || b.Len() < 0 {
		return nil
	}
	var buf bytes.Buffer
	_, _ = b.WriteTo(&buf)
	return buf.Bytes()
}

// EmptyBody is the absence of a body.
type EmptyBody struct{}

func (EmptyBody) Len() int64 { return 0 }
func (EmptyBody) ContentType() string { return "" }
func (EmptyBody) WriteTo(io.Writer) (int64, error) { return 0, nil }
func (EmptyBody) sealed() {}

// IsEmpty reports whether b is nil or EmptyBody.
func IsEmpty(b Body) bool {
	if b == nil {
		return true
	}
	_, ok := b.(EmptyBody)
	return ok
}

// RawBody is an uninterpreted byte buffer.
type RawBody struct {
	data            []byte
	contentType     string
	contentEncoding string
}

func NewRawBody(data []byte, contentType string) *RawBody {
	return &RawBody{data: data, contentType: contentType}
}

func (b *RawBody) Bytes() []byte { return append([]byte(nil), b.data...) }
func (b *RawBody) Len() int64 { return int64(len(b.data)) }
func (b *RawBody) ContentType() string { return b.contentType }
func (b *RawBody) ContentEncoding() string { return b.contentEncoding }
func (b *RawBody) sealed() {}

func (b *RawBody) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data)
	return int64(n), err
}

// StringBody is text with its declared content type.
type StringBody struct {
	text        string
	contentType string
	backing     *RawBody
}

func NewStringBody(text, contentType string) *StringBody {
	if contentType == "" {
		contentType = ContentTypeText
	}
	return &StringBody{text: text, contentType: contentType}
}

func (b *StringBody) Text() string { return b.text }
func (b *StringBody) ContentType() string { return b.contentType }
func (b *StringBody) sealed() {}

func (b *StringBody) Len() int64 {
	if b.backing != nil {
		return b.backing.Len()
	}
	return int64(len(b.text))
}

func (b *StringBody) WriteTo(w io.Writer) (int64, error) {
	if b.backing != nil {
		return b.backing.WriteTo(w)
	}
	n, err := io.WriteString(w, b.text)
	return int64(n), err
}

// FormBody holds urlencoded parameters. Parameters parsed from a backing
// body are decoded on first access.
type FormBody struct {
	once    sync.Once
	params  Parameters
	backing *RawBody
}

func NewFormBody(params Parameters) *FormBody {
	b := &FormBody{params: params}
	b.once.Do(func() {})
	return b
}

func (b *FormBody) Parameters() Parameters {
	b.once.Do(func() {
		b.params = ParseParameters(string(b.backing.data), "&")
	})
	return b.params
}

func (b *FormBody) ContentType() string {
	if b.backing != nil && b.backing.contentType != "" {
		return b.backing.contentType
	}
	return ContentTypeForm
}

func (b *FormBody) sealed() {}

func (b *FormBody) encoded() []byte {
	if b.backing != nil {
		return b.backing.data
	}
	return []byte(b.Parameters().Encode("&"))
}

func (b *FormBody) Len() int64 {
	return int64(len(b.encoded()))
}

func (b *FormBody) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.encoded())
	return int64(n), err
}

// JSONBody holds a JSON document. A body built from bytes decodes lazily;
// a body built from a value encodes lazily.
type JSONBody struct {
	mu          sync.Mutex
	value       any
	decoded     bool
	encoded     []byte
	contentType string
	backing     *RawBody
}

func NewJSONBody(value any) *JSONBody {
	return &JSONBody{value: value, decoded: true, contentType: ContentTypeJSON}
}

// Value returns the decoded document.
func (b *JSONBody) Value() (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.decoded {
		var v any
		if err := json.Unmarshal(b.backing.data, &v); err != nil {
			return nil, err
		}
		b.value = v
		b.decoded = true
	}
	return b.value, nil
}

// Decode unmarshals the document into dst.
func (b *JSONBody) Decode(dst any) error {
	data, err := b.bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (b *JSONBody) bytes() ([]byte, error) {
	if b.backing != nil {
		return b.backing.data, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.encoded == nil {
		data, err := json.Marshal(b.value)
		if err != nil {
			return nil, err
		}
		b.encoded = data
	}
	return b.encoded, nil
}

func (b *JSONBody) ContentType() string {
	if b.contentType == "" {
		return ContentTypeJSON
	}
	return b.contentType
}

func (b *JSONBody) sealed() {}

func (b *JSONBody) Len() int64 {
	data, err := b.bytes()
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func (b *JSONBody) WriteTo(w io.Writer) (int64, error) {
	data, err := b.bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// StreamBody is a byte source of unknown length. It can be written once and
// is always sent chunked.
type StreamBody struct {
	r           io.Reader
	contentType string
}

func NewStreamBody(r io.Reader, contentType string) *StreamBody {
	return &StreamBody{r: r, contentType: contentType}
}

func (b *StreamBody) Len() int64 { return -1 }
func (b *StreamBody) ContentType() string { return b.contentType }
func (b *StreamBody) Reader() io.Reader { return b.r }
func (b *StreamBody) sealed() {}

func (b *StreamBody) WriteTo(w io.Writer) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(w, b.r, *buf)
}
