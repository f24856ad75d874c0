package message

import (
	"strconv"
	"strings"
)

// Header is one header name with its values in arrival order.
type Header struct {
	Name   string
	Values []string
}

// First returns the first value or "".
func (h Header) First() string {
	if len(h.Values) == 0 {
		return ""
	}
	return h.Values[0]
}

// Headers is an immutable, ordered header collection. Lookups ignore case;
// the name of the first insertion is the one written back.
type Headers struct {
	list []Header
}

// NewHeaders builds a collection, merging repeated names.
func NewHeaders(headers ...Header) Headers {
	var h Headers
	for _, header := range headers {
		h.add(header.Name, header.Values...)
	}
	return h
}

func (h *Headers) index(name string) int {
	for i := range h.list {
		if strings.EqualFold(h.list[i].Name, name) {
			return i
		}
	}
	return -1
}

func (h *Headers) add(name string, values ...string) {
	if i := h.index(name); i >= 0 {
		h.list[i].Values = append(h.list[i].Values, values...)
		return
	}
	h.list = append(h.list, Header{Name: name, Values: append([]string{}, values...)})
}

func (h Headers) clone() Headers {
	out := Headers{list: make([]Header, len(h.list))}
	for i, header := range h.list {
		out.list[i] = Header{Name: header.Name, Values: append([]string{}, header.Values...)}
	}
	return out
}

// With returns a copy with value added to name. Existing values are kept.
func (h Headers) With(name, value string) Headers {
	out := h.clone()
	out.add(name, value)
	return out
}

// WithHeader returns a copy with every value of header added.
func (h Headers) WithHeader(header Header) Headers {
	out := h.clone()
	out.add(header.Name, header.Values...)
	return out
}

// Without returns a copy with the named headers removed.
func (h Headers) Without(names ...string) Headers {
	out := Headers{}
	for _, header := range h.clone().list {
		drop := false
		for _, name := range names {
			if strings.EqualFold(header.Name, name) {
				drop = true
				break
			}
		}
		if !drop {
			out.list = append(out.list, header)
		}
	}
	return out
}

// WithReplaced returns a copy where name carries exactly the given values.
// The header keeps its position when it already existed.
func (h Headers) WithReplaced(name string, values ...string) Headers {
	out := h.clone()
	if i := out.index(name); i >= 0 {
		out.list[i] = Header{Name: out.list[i].Name, Values: append([]string{}, values...)}
		return out
	}
	out.add(name, values...)
	return out
}

func (h Headers) Get(name string) (Header, bool) {
	if i := h.index(name); i >= 0 {
		header := h.list[i]
		return Header{Name: header.Name, Values: append([]string{}, header.Values...)}, true
	}
	return Header{}, false
}

// First returns the first value of name or "".
func (h Headers) First(name string) string {
	header, _ := h.Get(name)
	return header.First()
}

func (h Headers) Has(name string) bool {
	return h.index(name) >= 0
}

func (h Headers) Len() int {
	return len(h.list)
}

// All returns a copy of the headers in order.
func (h Headers) All() []Header {
	return h.clone().list
}

// Equal compares names case-insensitively and values exactly, ignoring order
// between different names.
func (h Headers) Equal(other Headers) bool {
	if len(h.list) != len(other.list) {
		return false
	}
	for _, header := range h.list {
		o, ok := other.Get(header.Name)
		if !ok || len(o.Values) != len(header.Values) {
			return false
		}
		for i := range header.Values {
			if header.Values[i] != o.Values[i] {
				return false
			}
		}
	}
	return true
}

// ContentLength returns the declared Content-Length, whether one is present,
// and an error when it is not a non-negative integer.
func (h Headers) ContentLength() (int64, bool, error) {
	header, ok := h.Get("Content-Length")
	if !ok {
		return 0, false, nil
	}
	raw := strings.TrimSpace(header.First())
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, true, newParseError("invalid Content-Length", raw, err)
	}
	return n, true, nil
}

// IsChunked reports whether Transfer-Encoding names chunked.
func (h Headers) IsChunked() bool {
	header, ok := h.Get("Transfer-Encoding")
	if !ok {
		return false
	}
	for _, v := range header.Values {
		for _, coding := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				return true
			}
		}
	}
	return false
}

// MediaType returns the lower-cased Content-Type without parameters.
func (h Headers) MediaType() string {
	ct := h.First("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// HAR renders the headers as HAR name/value pairs, one per value.
func (h Headers) HAR() []map[string]any {
	out := make([]map[string]any, 0, len(h.list))
	for _, header := range h.list {
		for _, v := range header.Values {
			out = append(out, map[string]any{"name": header.Name, "value": v})
		}
	}
	return out
}
