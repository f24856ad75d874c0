package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHAR(t *testing.T) {
	headers := Headers{}.
		With("Host", "origin").
		With("Cookie", "session=abc; theme=dark").
		With("Content-Type", ContentTypeForm)
	req := NewRequest(MethodPost, MustParseLocation("/login?next=%2Fhome#top"), headers,
		NewBody([]byte("user=alice&pass=s3cret"), headers))

	har := req.HAR(NewHost("origin", 0))

	assert.Equal(t, "POST", har["method"])
	assert.Equal(t, "http://origin/login?next=%2Fhome", har["url"])
	assert.Equal(t, "HTTP/1.1", har["httpVersion"])
	assert.Equal(t, -1, har["headersSize"])
	assert.Equal(t, 22, har["bodySize"])
	assert.Equal(t, []map[string]any{{"name": "next", "value": "/home"}}, har["queryString"])
	assert.Equal(t, []map[string]any{
		{"name": "session", "value": "abc"},
		{"name": "theme", "value": "dark"},
	}, har["cookies"])

	postData, ok := har["postData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ContentTypeForm, postData["mimeType"])
	assert.Equal(t, "user=alice&pass=s3cret", postData["text"])
	assert.Equal(t, []map[string]any{
		{"name": "user", "value": "alice"},
		{"name": "pass", "value": "s3cret"},
	}, postData["params"])
}

func TestRequestHAREmptyBody(t *testing.T) {
	har := NewRequest(MethodGet, MustParseLocation("/"), Headers{}, nil).HAR(NewHost("h", 8080))
	assert.Equal(t, 0, har["bodySize"])
	assert.Equal(t, "http://h:8080/", har["url"])
	assert.NotContains(t, har, "postData")
}

func TestResponseHAR(t *testing.T) {
	headers := Headers{}.
		With("Location", "https://origin/next").
		With("Set-Cookie", "id=42; Path=/; HttpOnly; Secure=false").
		With("Content-Type", ContentTypeOctet)
	resp := NewResponse(302, "Found", headers, NewBody([]byte{0xff, 0x00}, headers))

	har := resp.HAR()
	assert.Equal(t, 302, har["status"])
	assert.Equal(t, "Found", har["statusText"])
	assert.Equal(t, "https://origin/next", har["redirectURL"])
	assert.Equal(t, 2, har["bodySize"])

	cookies := har["cookies"].([]map[string]any)
	require.Len(t, cookies, 1)
	assert.Equal(t, "42", cookies[0]["value"])
	assert.Equal(t, "/", cookies[0]["path"])
	assert.Equal(t, true, cookies[0]["httpOnly"])
	assert.Equal(t, false, cookies[0]["secure"])

	content := har["content"].(map[string]any)
	assert.Equal(t, "base64", content["encoding"])
	assert.Equal(t, "/wA=", content["text"])
	assert.Equal(t, 2, content["size"])
}

func TestParseCookie(t *testing.T) {
	c := ParseCookie("name=va=lue; Domain=example.com; Expires=Wed, 21 Oct 2026 07:28:00 GMT")
	assert.Equal(t, "name", c.Name)
	assert.Equal(t, "va=lue", c.Value)
	assert.Equal(t, "example.com", c.Domain)
	assert.Equal(t, "Wed, 21 Oct 2026 07:28:00 GMT", c.Expires)
	assert.Nil(t, c.HTTPOnly)
}
