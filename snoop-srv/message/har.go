package message

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// HAR renders the request as a HAR request object. host completes the url
// when the request target is in origin form.
func (r *Request) HAR(host Host) map[string]any {
	har := map[string]any{
		"method":      r.Method(),
		"url":         r.Location().WithHost(host).WithoutFragment().String(),
		"httpVersion": r.Version(),
		"cookies":     cookiesHAR(RequestCookies(r.headers)),
		"headers":     r.headers.HAR(),
		"queryString": r.Location().Query().HAR(),
		"headersSize": -1,
	}

	if IsEmpty(r.body) {
		har["bodySize"] = 0
		return har
	}
	if r.body.Len() < 0 {
		har["bodySize"] = -1
		return har
	}

	data := Bytes(r.body)
	har["bodySize"] = len(data)
	if len(data) == 0 {
		return har
	}

	mimeType := r.headers.First("Content-Type")
	if mimeType == "" {
		mimeType = ContentTypeOctet
	}
	postData := map[string]any{"mimeType": mimeType}
	encodeText(postData, mimeType, data)

	params := []map[string]any{}
	if strings.EqualFold(r.headers.MediaType(), ContentTypeForm) {
		if form, ok := r.body.(*FormBody); ok {
			params = form.Parameters().HAR()
		} else {
			params = ParseParameters(string(data), "&").HAR()
		}
	}
	postData["params"] = params
	har["postData"] = postData
	return har
}

// HAR renders the response as a HAR response object.
func (r *Response) HAR() map[string]any {
	har := map[string]any{
		"status":      r.StatusCode(),
		"statusText":  r.Reason(),
		"httpVersion": r.Version(),
		"cookies":     cookiesHAR(ResponseCookies(r.headers)),
		"headers":     r.headers.HAR(),
		"headersSize": -1,
	}
	if location := r.headers.First("Location"); location != "" {
		har["redirectURL"] = location
	}

	content := map[string]any{"size": 0}
	if ct := r.headers.First("Content-Type"); ct != "" {
		content["mimeType"] = ct
	}

	switch {
	case IsEmpty(r.body):
		har["bodySize"] = 0
	case r.body.Len() < 0:
		har["bodySize"] = -1
	default:
		data := Bytes(r.body)
		har["bodySize"] = len(data)
		if len(data) > 0 {
			mimeType := r.headers.First("Content-Type")
			if mimeType == "" {
				mimeType = ContentTypeOctet
			}
			content["size"] = len(data)
			content["mimeType"] = mimeType
			encodeText(content, mimeType, data)
		}
	}
	har["content"] = content
	return har
}

// encodeText stores data as text, base64-encoded for octet streams and for
// anything that is not valid UTF-8.
func encodeText(target map[string]any, mimeType string, data []byte) {
	if strings.EqualFold(mimeType, ContentTypeOctet) || !utf8.Valid(data) {
		target["encoding"] = "base64"
		target["text"] = base64.StdEncoding.EncodeToString(data)
		return
	}
	target["text"] = string(data)
}
