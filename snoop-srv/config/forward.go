package config

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials the target directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials the target through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy tunnels to the target through an HTTP proxy using CONNECT.
	ForwardTypeProxy
)

func (t ForwardType) String() string {
	switch t {
	case ForwardTypeDefaultNetwork:
		return "default-network"
	case ForwardTypeSocks5:
		return "socks5"
	case ForwardTypeProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Forward defines the interface for forwarding configurations. The first
// forward whose classifier matches a target decides how it is dialed.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

func classifierOrTrue(c Classifier) Classifier {
	if c == nil {
		return &ClassifierTrue{}
	}
	return c
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
}

func (c *ForwardDefaultNetwork) Type() ForwardType      { return ForwardTypeDefaultNetwork }
func (c *ForwardDefaultNetwork) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
}

func (c *ForwardSocks5) Type() ForwardType      { return ForwardTypeSocks5 }
func (c *ForwardSocks5) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
}

func (c *ForwardProxy) Type() ForwardType      { return ForwardTypeProxy }
func (c *ForwardProxy) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }
