package config

import (
	"errors"
	"fmt"
)

var signatureAlgorithms = map[string]bool{
	"SHA256WithRSA": true,
	"SHA384WithRSA": true,
	"SHA512WithRSA": true,
}

// Validate reports every setting that would stop the service from starting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, v ...any) {
		errs = append(errs, fmt.Errorf(format, v...))
	}

	if c.Port < 0 || c.Port > 65535 {
		add("port out of range: %d", c.Port)
	}
	if c.Backlog <= 0 {
		add("backlog must be positive: %d", c.Backlog)
	}
	if c.ThreadPool <= 0 {
		add("thread-pool must be positive: %d", c.ThreadPool)
	}
	if c.ShutdownGraceSeconds < 0 {
		add("shutdown-grace-seconds must not be negative: %d", c.ShutdownGraceSeconds)
	}
	if c.TunnelInactivitySeconds < 0 {
		add("tunnel-inactivity-seconds must not be negative: %d", c.TunnelInactivitySeconds)
	}

	needsCA := c.InspectTunnels || c.Encrypted
	if needsCA && c.Certificates.CAFile == "" {
		add("certificates.ca-file is required when inspect-tunnels or encrypted is set")
	}
	if bits := c.Certificates.KeyBits; bits < 1024 || bits > 8192 {
		add("certificates.key-bits out of range: %d", bits)
	}
	if !signatureAlgorithms[c.Certificates.SignatureAlgorithm] {
		add("certificates.signature-algorithm unsupported: %s", c.Certificates.SignatureAlgorithm)
	}

	if c.Audit.Enabled {
		switch c.Audit.Backend {
		case "", "log", "sqlite", "dummy":
		case "postgres":
			if c.Audit.PostgresDSN == "" {
				add("audit.postgres-dsn is required for the postgres backend")
			}
		default:
			add("audit.backend unsupported: %s", c.Audit.Backend)
		}
	}

	for i, fwd := range c.Forwards {
		switch f := fwd.(type) {
		case *ForwardSocks5:
			if f.Address == "" {
				add("forward %d: socks5 requires an address", i)
			}
		case *ForwardProxy:
			if f.Address == "" {
				add("forward %d: proxy requires an address", i)
			}
		}
		checkRefs(fwd.Classifier(), c.Classifiers, fmt.Sprintf("forward %d", i), add)
	}
	checkRefs(c.NoInspect, c.Classifiers, "no-inspect", add)
	for name, classifier := range c.Classifiers {
		checkRefs(classifier, c.Classifiers, "classifier "+name, add)
	}

	return errors.Join(errs...)
}

func checkRefs(classifier Classifier, named map[string]Classifier, where string, add func(string, ...any)) {
	switch cl := classifier.(type) {
	case *ClassifierRef:
		if _, ok := named[cl.Id]; !ok {
			add("%s: unknown classifier reference %q", where, cl.Id)
		}
	case *ClassifierAnd:
		for _, inner := range cl.Classifiers {
			checkRefs(inner, named, where, add)
		}
	case *ClassifierOr:
		for _, inner := range cl.Classifiers {
			checkRefs(inner, named, where, add)
		}
	case *ClassifierNot:
		checkRefs(cl.Classifier, named, where, add)
	}
}
