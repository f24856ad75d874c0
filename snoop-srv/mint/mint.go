// Package mint signs per-hostname leaf certificates with a local CA so TLS
// connections can be terminated while impersonating the destination host.
package mint

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
)

// KeyType names the key algorithm a TLS handshake asks for.
type KeyType string

const KeyTypeRSA KeyType = "RSA"

// Defaults for minted leaves.
const (
	DefaultKeyBits            = 1024
	DefaultSignatureAlgorithm = "SHA256WithRSA"
	LeafValidity              = 365 * 24 * time.Hour
)

// ErrNoAlias is returned by the handshake callback when no hostname could be
// chosen for a connection.
var ErrNoAlias = errors.New("no certificate alias for connection")

var signatureAlgorithms = map[string]x509.SignatureAlgorithm{
	"SHA256WithRSA": x509.SHA256WithRSA,
	"SHA384WithRSA": x509.SHA384WithRSA,
	"SHA512WithRSA": x509.SHA512WithRSA,
}

// Options configure a Mint.
type Options struct {
	// KeyBits is the RSA key size of minted leaves.
	KeyBits int
	// SignatureAlgorithm is one of SHA256WithRSA, SHA384WithRSA, SHA512WithRSA.
	SignatureAlgorithm string
	// DefaultHostname is used for connections without a bound hostname.
	DefaultHostname string
	// StoreDir, when set, persists minted leaves as PEM files.
	StoreDir string
}

// Entry is a minted leaf with its key.
type Entry struct {
	PrivateKey  *rsa.PrivateKey
	Leaf        *x509.Certificate
	Chain       []*x509.Certificate
	Certificate *tls.Certificate
}

// Mint creates and caches leaf certificates by alias. Entries live for the
// lifetime of the Mint.
type Mint struct {
	ca              *Authority
	keyBits         int
	sigAlg          x509.SignatureAlgorithm
	defaultHostname string
	store           *store

	mu      sync.Mutex
	entries map[string]*Entry
}

// New validates opts and returns a Mint signing with ca. Invalid key sizes
// and signature algorithms are configuration errors.
func New(ca *Authority, opts Options) (*Mint, error) {
	if ca == nil {
		return nil, configError("certificate authority is required")
	}
	if opts.KeyBits == 0 {
		opts.KeyBits = DefaultKeyBits
	}
	if opts.KeyBits < 1024 || opts.KeyBits > 8192 {
		return nil, configError("unsupported key size %d", opts.KeyBits)
	}
	if opts.SignatureAlgorithm == "" {
		opts.SignatureAlgorithm = DefaultSignatureAlgorithm
	}
	sigAlg, ok := signatureAlgorithms[opts.SignatureAlgorithm]
	if !ok {
		return nil, configError("unsupported signature algorithm %q", opts.SignatureAlgorithm)
	}

	m := &Mint{
		ca:              ca,
		keyBits:         opts.KeyBits,
		sigAlg:          sigAlg,
		defaultHostname: opts.DefaultHostname,
		entries:         make(map[string]*Entry),
	}
	if opts.StoreDir != "" {
		s, err := newStore(opts.StoreDir)
		if err != nil {
			return nil, configError("certificate store: %v", err)
		}
		m.store = s
	}
	return m, nil
}

// Authority returns the signing CA.
func (m *Mint) Authority() *Authority {
	return m.ca
}

// ChooseServerAlias returns the hostname bound to the connection. Without a
// bound hostname the default hostname is bound and used. Only RSA is served.
func (m *Mint) ChooseServerAlias(keyType KeyType, binding *Binding) (string, bool) {
	if keyType != KeyTypeRSA || binding == nil {
		return "", false
	}
	alias := binding.bindIfEmpty(m.defaultHostname)
	return alias, alias != ""
}

// CertificateChain returns [leaf, CA] for alias, minting it on first use.
func (m *Mint) CertificateChain(alias string) ([]*x509.Certificate, error) {
	entry, err := m.Entry(alias)
	if err != nil {
		return nil, err
	}
	return entry.Chain, nil
}

// PrivateKey returns the leaf key for alias, minting it on first use.
func (m *Mint) PrivateKey(alias string) (*rsa.PrivateKey, error) {
	entry, err := m.Entry(alias)
	if err != nil {
		return nil, err
	}
	return entry.PrivateKey, nil
}

// TLSCertificate returns the leaf for alias in crypto/tls form.
func (m *Mint) TLSCertificate(alias string) (*tls.Certificate, error) {
	entry, err := m.Entry(alias)
	if err != nil {
		return nil, err
	}
	return entry.Certificate, nil
}

// Entry returns the cached entry for alias or creates it under the mint lock.
func (m *Mint) Entry(alias string) (*Entry, error) {
	if alias == "" {
		return nil, ErrNoAlias
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[alias]; ok {
		return entry, nil
	}

	if m.store != nil {
		if entry, ok := m.store.load(alias, m.ca); ok {
			logger.Debug("Loaded stored certificate for %s", alias)
			m.entries[alias] = entry
			return entry, nil
		}
	}

	entry, err := m.create(alias)
	if err != nil {
		return nil, err
	}
	m.entries[alias] = entry

	if m.store != nil {
		if err := m.store.save(alias, entry); err != nil {
			logger.Warn("Failed to store certificate for %s: %v", alias, err)
		}
	}
	return entry, nil
}

func (m *Mint) create(alias string) (*Entry, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key for %s: %w", alias, err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<31))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: alias},
		NotBefore:             now,
		NotAfter:              now.Add(LeafValidity),
		SignatureAlgorithm:    m.sigAlg,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(alias); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{alias}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.ca.Certificate, &key.PublicKey, m.ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate for %s: %w", alias, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate for %s: %w", alias, err)
	}

	logger.Debug("Minted certificate for %s (serial %s)", alias, serial)
	return newEntry(key, leaf, m.ca.Certificate), nil
}

func newEntry(key *rsa.PrivateKey, leaf, ca *x509.Certificate) *Entry {
	return &Entry{
		PrivateKey: key,
		Leaf:       leaf,
		Chain:      []*x509.Certificate{leaf, ca},
		Certificate: &tls.Certificate{
			Certificate: [][]byte{leaf.Raw, ca.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		},
	}
}

// ServerConfig returns a TLS server configuration presenting the certificate
// chosen for binding. The SNI name is used when neither binding nor default
// hostname names one.
func (m *Mint) ServerConfig(binding *Binding) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			alias, ok := m.ChooseServerAlias(KeyTypeRSA, binding)
			if !ok && hello.ServerName != "" {
				alias, ok = binding.bindIfEmpty(hello.ServerName), true
			}
			if !ok {
				return nil, ErrNoAlias
			}
			return m.TLSCertificate(alias)
		},
	}
}
