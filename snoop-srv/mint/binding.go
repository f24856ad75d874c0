package mint

import "sync"

// Binding carries the hostname to impersonate on one accepted connection into
// the TLS handshake. Each connection gets its own Binding; nothing is shared
// between connections.
type Binding struct {
	mu       sync.Mutex
	hostname string
}

// NewBinding returns a binding for hostname. An empty hostname leaves the
// choice to the mint's default hostname.
func NewBinding(hostname string) *Binding {
	return &Binding{hostname: hostname}
}

func (b *Binding) Hostname() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hostname
}

// bindIfEmpty sets hostname unless one is already bound and returns the
// bound value.
func (b *Binding) bindIfEmpty(hostname string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hostname == "" {
		b.hostname = hostname
	}
	return b.hostname
}
