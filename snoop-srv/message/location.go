package message

import (
	"strings"
)

// Location is a request target: an optional scheme and authority, a path,
// a raw query and a fragment, or the asterisk form "*".
//
// The query is kept as it appeared on the wire so that a location that was
// parsed and not modified serializes to the same bytes.
type Location struct {
	Scheme   string
	UserInfo string
	Host     *Host
	Path     string
	RawQuery string
	Fragment string
	Asterisk bool
}

// AsteriskLocation is the "*" target used by OPTIONS.
var AsteriskLocation = Location{Asterisk: true}

// ParseLocation parses a request target. Components are split off in the
// order fragment, scheme, query, path, leaving the authority.
func ParseLocation(input string) (Location, error) {
	if input == "*" {
		return AsteriskLocation, nil
	}

	var loc Location
	rest := input

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		loc.Fragment = rest[i+1:]
		rest = rest[:i]
	}

	// A scheme only precedes the first '/' and '?'; "://" later on belongs
	// to the path or query.
	scheme := ""
	if i := strings.Index(rest, "://"); i >= 0 && !strings.ContainsAny(rest[:i], "/?") {
		scheme = strings.ToLower(rest[:i])
		rest = rest[i+3:]
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		loc.RawQuery = rest[i+1:]
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		loc.Path = rest[i:]
		rest = rest[:i]
	}

	if rest != "" {
		if i := strings.LastIndexByte(rest, '@'); i >= 0 {
			loc.UserInfo = rest[:i]
			rest = rest[i+1:]
		}
		host, err := ParseHost(rest, scheme)
		if err != nil {
			return Location{}, newParseError("invalid authority", input, err)
		}
		loc.Host = &host
		loc.Scheme = scheme
	}

	return loc, nil
}

// MustParseLocation is ParseLocation for literals known to be valid.
func MustParseLocation(input string) Location {
	loc, err := ParseLocation(input)
	if err != nil {
		panic(err)
	}
	return loc
}

// Query returns the decoded query parameters.
func (l Location) Query() Parameters {
	return ParseParameters(l.RawQuery, "&")
}

func (l Location) WithQuery(params Parameters) Location {
	l.RawQuery = params.Encode("&")
	return l
}

// WithHost sets the authority and adopts the host's scheme.
func (l Location) WithHost(host Host) Location {
	h := host
	l.Host = &h
	l.Scheme = host.Scheme
	l.Asterisk = false
	return l
}

// WithoutAuthority reduces the location to its origin form: path and query only.
func (l Location) WithoutAuthority() Location {
	if l.Asterisk {
		return l
	}
	l.Scheme = ""
	l.UserInfo = ""
	l.Host = nil
	l.Fragment = ""
	if l.Path == "" {
		l.Path = "/"
	}
	return l
}

func (l Location) WithoutFragment() Location {
	l.Fragment = ""
	return l
}

func (l Location) WithPath(path string) Location {
	l.Path = path
	l.Asterisk = false
	return l
}

func (l Location) String() string {
	if l.Asterisk {
		return "*"
	}
	var b strings.Builder
	if l.Host != nil {
		if l.Scheme != "" {
			b.WriteString(l.Scheme)
			b.WriteString("://")
		}
		if l.UserInfo != "" {
			b.WriteString(l.UserInfo)
			b.WriteByte('@')
		}
		b.WriteString(l.Host.String())
	}
	b.WriteString(l.Path)
	if l.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(l.RawQuery)
	}
	if l.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(l.Fragment)
	}
	return b.String()
}
