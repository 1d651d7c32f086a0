package e2ee

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// GenerateKeyPair generates an RSA key pair. bits <= 0 selects 2048.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// ParsePublicKey parses a base64 X.509 SubjectPublicKeyInfo DER key, or the same in PEM.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := decodeKeyMaterial(s)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %v", ErrInvalidKey, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not an RSA public key", ErrInvalidKey)
	}
	return rsaKey, nil
}

// ParsePrivateKey parses a base64 PKCS#8 DER key, or PEM encoded PKCS#8 / PKCS#1.
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	der, err := decodeKeyMaterial(s)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		// Try parsing as PKCS1
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(der)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key (PKCS8: %v, PKCS1: %v)", ErrInvalidKey, err, pkcs1Err)
		}
		return pkcs1Key, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not an RSA private key", ErrInvalidKey)
	}
	return rsaKey, nil
}

// MarshalPublicKey returns the base64 X.509 SubjectPublicKeyInfo DER form clients register.
func MarshalPublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// MarshalPrivateKey returns the base64 PKCS#8 DER form of key.
func MarshalPrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func decodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	if strings.HasPrefix(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, fmt.Errorf("%w: failed to parse PEM block containing the key", ErrInvalidKey)
		}
		return block.Bytes, nil
	}

	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 key: %v", ErrInvalidKey, err)
	}
	return der, nil
}
