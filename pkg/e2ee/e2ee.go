// Package e2ee implements the hybrid envelope used between the relay and its
// clients: a fresh AES-256-GCM key per message, wrapped with RSA-OAEP
// (SHA-256 digest, MGF1-SHA-1), with optional RSA PKCS#1 v1.5 SHA-256 signatures.
package e2ee

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// SymmetricKeySize is the AES key length in bytes
	SymmetricKeySize = 32
	// IVSize is the GCM nonce length in bytes
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes
	TagSize = 16
)

var (
	// ErrDecryption is returned for every failure to recover a plaintext
	ErrDecryption = errors.New("e2ee: decryption failed")
	// ErrEncryption is returned when a plaintext cannot be sealed
	ErrEncryption = errors.New("e2ee: encryption failed")
	// ErrInvalidKey is returned for malformed or unsupported key material
	ErrInvalidKey = errors.New("e2ee: invalid key")
	// ErrSigning is returned when a signature cannot be produced
	ErrSigning = errors.New("e2ee: signing failed")
)

// GenerateSymmetricKey returns a fresh random 256-bit AES key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return key, nil
}

// EncryptSymmetric seals plaintext with AES-GCM under a random IV and returns
// base64(IV || ciphertext || tag).
func EncryptSymmetric(plaintext, key []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	out := make([]byte, IVSize, IVSize+len(plaintext)+TagSize)
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	out = aead.Seal(out, out[:IVSize], plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(ciphertext string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}
	if len(raw) < IVSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := aead.Open(nil, raw[:IVSize], raw[IVSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: aes key must be %d bytes, got %d", ErrInvalidKey, SymmetricKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// EncryptAsymmetric encrypts plaintext with RSA-OAEP (SHA-256, MGF1-SHA-1)
// and returns it base64 encoded.
func EncryptAsymmetric(plaintext []byte, publicKey *rsa.PublicKey) (string, error) {
	if publicKey == nil {
		return "", fmt.Errorf("%w: nil public key", ErrInvalidKey)
	}
	out, err := encryptOAEP(rand.Reader, publicKey, plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptAsymmetric reverses EncryptAsymmetric.
func DecryptAsymmetric(ciphertext string, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrInvalidKey)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}
	out, err := privateKey.Decrypt(rand.Reader, raw, &rsa.OAEPOptions{Hash: crypto.SHA256, MGFHash: crypto.SHA1})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return out, nil
}

// Sign returns the base64 RSASSA-PKCS1-v1_5 SHA-256 signature of data.
func Sign(data []byte, privateKey *rsa.PrivateKey) (string, error) {
	if privateKey == nil {
		return "", fmt.Errorf("%w: nil private key", ErrInvalidKey)
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of data by publicKey.
// Malformed input is reported as an invalid signature.
func Verify(data []byte, signature string, publicKey *rsa.PublicKey) bool {
	if publicKey == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], sig) == nil
}

// KeyToString encodes a symmetric key in its canonical base64 form.
func KeyToString(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// StringToKey decodes a symmetric key produced by KeyToString.
func StringToKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: aes key must be %d bytes, got %d", ErrInvalidKey, SymmetricKeySize, len(key))
	}
	return key, nil
}
