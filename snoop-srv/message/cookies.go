package message

import (
	"strconv"
	"strings"
)

// Cookie is a request cookie or a Set-Cookie directive set.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	Expires  string
	HTTPOnly *bool
	Secure   *bool
}

// ParseCookie parses "name=value; Directive=x; Flag".
func ParseCookie(input string) Cookie {
	parts := strings.Split(input, ";")
	kv := strings.SplitN(parts[0], "=", 2)
	c := Cookie{Name: strings.TrimSpace(kv[0])}
	if len(kv) == 2 {
		c.Value = kv[1]
	}

	for _, directive := range parts[1:] {
		dkv := strings.SplitN(directive, "=", 2)
		name := strings.ToUpper(strings.TrimSpace(dkv[0]))
		if name == "" {
			continue
		}
		value := ""
		if len(dkv) == 2 {
			value = dkv[1]
		}
		switch name {
		case "PATH":
			c.Path = value
		case "DOMAIN":
			c.Domain = value
		case "EXPIRES":
			c.Expires = value
		case "HTTPONLY":
			c.HTTPOnly = flag(value)
		case "SECURE":
			c.Secure = flag(value)
		}
	}
	return c
}

func flag(value string) *bool {
	b := value == ""
	if !b {
		b, _ = strconv.ParseBool(value)
	}
	return &b
}

// RequestCookies collects the cookies of every Cookie header. A repeated
// name keeps its first position and its last value.
func RequestCookies(headers Headers) []Cookie {
	header, ok := headers.Get("Cookie")
	if !ok {
		return nil
	}
	var out []Cookie
	for _, v := range header.Values {
		for _, part := range strings.Split(v, ";") {
			if part = strings.TrimSpace(part); part != "" {
				out = mergeCookie(out, ParseCookie(part))
			}
		}
	}
	return out
}

// ResponseCookies collects one cookie per Set-Cookie value.
func ResponseCookies(headers Headers) []Cookie {
	header, ok := headers.Get("Set-Cookie")
	if !ok {
		return nil
	}
	var out []Cookie
	for _, v := range header.Values {
		if v != "" {
			out = mergeCookie(out, ParseCookie(v))
		}
	}
	return out
}

func mergeCookie(cookies []Cookie, c Cookie) []Cookie {
	for i := range cookies {
		if cookies[i].Name == c.Name {
			cookies[i] = c
			return cookies
		}
	}
	return append(cookies, c)
}

// HAR renders the cookie as a HAR cookie object.
func (c Cookie) HAR() map[string]any {
	har := map[string]any{"name": c.Name, "value": c.Value}
	if c.Path != "" {
		har["path"] = c.Path
	}
	if c.Domain != "" {
		har["domain"] = c.Domain
	}
	if c.Expires != "" {
		har["expires"] = c.Expires
	}
	if c.HTTPOnly != nil {
		har["httpOnly"] = *c.HTTPOnly
	}
	if c.Secure != nil {
		har["secure"] = *c.Secure
	}
	return har
}

func cookiesHAR(cookies []Cookie) []map[string]any {
	out := make([]map[string]any, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.HAR())
	}
	return out
}
