package mint

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// ErrInvalidConfig marks configuration problems that must stop startup.
var ErrInvalidConfig = errors.New("invalid certificate configuration")

// Authority is the CA that signs minted leaves.
type Authority struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

func configError(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, v...))
}

func readFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, err
		}
		cleanPath = absPath
	}
	return os.ReadFile(cleanPath)
}

// LoadAuthority loads the CA. A certFile ending in .p12 or .pfx is read as a
// PKCS#12 keystore protected by password and keyFile is ignored. Otherwise
// certFile and keyFile are PEM files; the key may be encrypted with password.
func LoadAuthority(certFile, keyFile, password string) (*Authority, error) {
	if certFile == "" {
		return nil, configError("CA certificate file not configured")
	}

	switch strings.ToLower(filepath.Ext(certFile)) {
	case ".p12", ".pfx":
		data, err := readFile(certFile)
		if err != nil {
			return nil, configError("failed to read CA keystore: %v", err)
		}
		key, cert, err := pkcs12.Decode(data, password)
		if err != nil {
			return nil, configError("failed to decode CA keystore: %v", err)
		}
		return newAuthority(cert, key)
	}

	if keyFile == "" {
		return nil, configError("CA key file not configured")
	}
	certPEM, err := readFile(certFile)
	if err != nil {
		return nil, configError("failed to read CA certificate: %v", err)
	}
	keyPEM, err := readFile(keyFile)
	if err != nil {
		return nil, configError("failed to read CA key: %v", err)
	}
	return ParseAuthority(certPEM, keyPEM, password)
}

// ParseAuthority builds an Authority from PEM data.
func ParseAuthority(certPEM, keyPEM []byte, password string) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, configError("CA certificate is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, configError("failed to parse CA certificate: %v", err)
	}

	keyPEM, err = decryptPEMKey(keyPEM, password)
	if err != nil {
		return nil, configError("failed to decrypt CA key: %v", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, configError("CA key is not PEM encoded")
	}
	if x509.IsEncryptedPEMBlock(keyBlock) || keyBlock.Type == "ENCRYPTED PRIVATE KEY" { //nolint:staticcheck // detection only
		return nil, configError("CA key is encrypted but no password is configured")
	}

	var key any
	if k, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParseECPrivateKey(keyBlock.Bytes); err == nil {
		key = k
	} else {
		return nil, configError("unsupported CA key format")
	}
	return newAuthority(cert, key)
}

func newAuthority(cert *x509.Certificate, key any) (*Authority, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, configError("CA key must be RSA, got %T", key)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&rsaKey.PublicKey) {
		return nil, configError("CA key does not match CA certificate")
	}
	return &Authority{Certificate: cert, PrivateKey: rsaKey}, nil
}
