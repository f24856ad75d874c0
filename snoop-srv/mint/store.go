package mint

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// store keeps minted leaves on disk as <alias>.crt and <alias>.key so
// restarts present the same certificate for a host.
type store struct {
	dir string
}

func newStore(dir string) (*store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &store{dir: dir}, nil
}

func storeFileName(alias string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, alias)
}

func (s *store) paths(alias string) (string, string) {
	base := filepath.Join(s.dir, storeFileName(alias))
	return base + ".crt", base + ".key"
}

// load returns a stored entry if it is still valid and signed by ca.
func (s *store) load(alias string, ca *Authority) (*Entry, bool) {
	certPath, keyPath := s.paths(alias)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, false
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, false
	}

	leaf, key, err := parseLeaf(certPEM, keyPEM)
	if err != nil {
		return nil, false
	}
	if time.Now().After(leaf.NotAfter) || leaf.CheckSignatureFrom(ca.Certificate) != nil {
		return nil, false
	}
	if leaf.Subject.CommonName != alias {
		return nil, false
	}
	return newEntry(key, leaf, ca.Certificate), true
}

func (s *store) save(alias string, entry *Entry) error {
	certPath, keyPath := s.paths(alias)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: entry.Leaf.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(entry.PrivateKey)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(certPath, certPEM, 0o644) // nolint:gosec // public certificate
}

func parseLeaf(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("invalid certificate PEM")
	}
	leaf, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("invalid key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	if pub, ok := leaf.PublicKey.(*rsa.PublicKey); !ok || !pub.Equal(&key.PublicKey) {
		return nil, nil, errors.New("key does not match certificate")
	}
	return leaf, key, nil
}
