package message

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default ports per scheme.
const (
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)

// Host is a hostname with an optional explicit port and the scheme it is
// reached with. Port 0 means no port was given.
type Host struct {
	Hostname string
	Port     int
	Scheme   string
}

// NewHost returns a Host using the "http" scheme.
func NewHost(hostname string, port int) Host {
	return Host{Hostname: hostname, Port: port, Scheme: "http"}
}

// ParseHost parses "host", "host:port", "[v6]" or "[v6]:port". An empty scheme
// defaults to "http".
func ParseHost(input, scheme string) (Host, error) {
	if scheme == "" {
		scheme = "http"
	}
	h := Host{Scheme: strings.ToLower(scheme)}

	if input == "" {
		return h, newParseError("empty host", input, nil)
	}

	hostPart, portPart := input, ""
	if strings.HasPrefix(input, "[") {
		end := strings.IndexByte(input, ']')
		if end < 0 {
			return h, newParseError("unterminated IPv6 literal", input, nil)
		}
		hostPart = input[1:end]
		rest := input[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return h, newParseError("unexpected characters after IPv6 literal", input, nil)
			}
			portPart = rest[1:]
		}
	} else if i := strings.LastIndexByte(input, ':'); i >= 0 {
		if strings.Count(input, ":") > 1 {
			// bare IPv6 address without brackets
			hostPart = input
		} else {
			hostPart = input[:i]
			portPart = input[i+1:]
		}
	}

	if hostPart == "" {
		return h, newParseError("empty hostname", input, nil)
	}
	h.Hostname = hostPart

	if portPart != "" {
		port, err := strconv.Atoi(portPart)
		if err != nil || port <= 0 || port > 65535 {
			return h, newParseError("invalid port", input, err)
		}
		h.Port = port
	}
	return h, nil
}

// EffectivePort returns the explicit port, or the scheme default.
func (h Host) EffectivePort() int {
	if h.Port != 0 {
		return h.Port
	}
	if h.Scheme == "" || strings.EqualFold(h.Scheme, "http") {
		return DefaultHTTPPort
	}
	return DefaultHTTPSPort
}

// Address returns "hostname:port" suitable for net.Dial.
func (h Host) Address() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.EffectivePort()))
}

func (h Host) WithScheme(scheme string) Host {
	h.Scheme = strings.ToLower(scheme)
	return h
}

func (h Host) WithPort(port int) Host {
	h.Port = port
	return h
}

func (h Host) WithHostname(hostname string) Host {
	h.Hostname = hostname
	return h
}

// String renders the host the way it appears in an authority: the port only
// when it was explicit.
func (h Host) String() string {
	name := h.Hostname
	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if h.Port != 0 {
		return fmt.Sprintf("%s:%d", name, h.Port)
	}
	return name
}
