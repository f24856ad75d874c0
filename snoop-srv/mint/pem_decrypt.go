package mint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // nolint:gosec // legacy OpenSSL key encryption
	"crypto/md5" // nolint:gosec // legacy OpenSSL key derivation
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/authlab/snoop/snoop-srv/logger"
	pkcs8 "github.com/youmark/pkcs8"
)

func isLegacyEncryptedPEMBlock(block *pem.Block) bool {
	_, hasInfo := block.Headers["Proc-Type"]
	_, hasKey := block.Headers["DEK-Info"]
	return hasInfo && hasKey
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and one iteration.
func evpBytesToKey(password, salt []byte, keySize int) []byte {
	var key, prev []byte
	for len(key) < keySize {
		h := md5.New() // nolint:gosec // legacy OpenSSL key derivation
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keySize]
}

// decryptLegacyPEMBlock decrypts an RFC 1423 encrypted block ("Proc-Type: 4,ENCRYPTED").
func decryptLegacyPEMBlock(block *pem.Block, password []byte) ([]byte, error) {
	if block.Headers["Proc-Type"] != "4,ENCRYPTED" {
		return nil, errors.New("PEM block does not have encrypted proc type")
	}
	alg, ivHex, ok := strings.Cut(block.Headers["DEK-Info"], ",")
	if !ok {
		return nil, errors.New("invalid DEK-Info format")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("invalid IV hex: %w", err)
	}

	var blockCipher cipher.Block
	switch alg {
	case "AES-128-CBC", "AES-192-CBC", "AES-256-CBC":
		keySize := map[string]int{"AES-128-CBC": 16, "AES-192-CBC": 24, "AES-256-CBC": 32}[alg]
		if len(iv) != aes.BlockSize {
			return nil, fmt.Errorf("invalid IV length for %s", alg)
		}
		blockCipher, err = aes.NewCipher(evpBytesToKey(password, iv[:8], keySize))
	case "DES-CBC":
		if len(iv) != des.BlockSize {
			return nil, fmt.Errorf("invalid IV length for %s", alg)
		}
		blockCipher, err = des.NewCipher(evpBytesToKey(password, iv, 8)) // nolint:gosec // legacy
	case "DES-EDE3-CBC":
		if len(iv) != des.BlockSize {
			return nil, fmt.Errorf("invalid IV length for %s", alg)
		}
		blockCipher, err = des.NewTripleDESCipher(evpBytesToKey(password, iv, 24))
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", alg, err)
	}

	size := blockCipher.BlockSize()
	if len(block.Bytes) == 0 || len(block.Bytes)%size != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	decrypted := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(decrypted, block.Bytes)

	padLen := int(decrypted[len(decrypted)-1])
	if padLen == 0 || padLen > size || padLen > len(decrypted) {
		return nil, errors.New("invalid padding, wrong password?")
	}
	for _, b := range decrypted[len(decrypted)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding, wrong password?")
		}
	}
	return decrypted[:len(decrypted)-padLen], nil
}

// decryptPEMKey returns an unencrypted PEM key. Without a password the input
// is returned unchanged.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" {
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt PKCS#8 encrypted private key: %w", err)
		}
		logger.Debug("Decrypted PKCS#8 encrypted CA key")

		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decrypted private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}

	if !isLegacyEncryptedPEMBlock(block) {
		return keyPEM, nil
	}

	der, err := decryptLegacyPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt legacy PEM block: %w", err)
	}
	logger.Debug("Decrypted legacy encrypted CA key")

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
