package e2ee

import (
	"crypto/rsa"
	"fmt"
)

// Sealed is the encrypted half of a wire envelope.
type Sealed struct {
	EncKey     string // RSA-OAEP wrapped base64 AES key
	EncMessage string // base64(IV || ciphertext || tag)
}

// Seal encrypts plaintext for the holder of recipient under a fresh AES key.
// The RSA plaintext is the UTF-8 bytes of the AES key's base64 string, which
// is what existing clients unwrap.
func Seal(plaintext []byte, recipient *rsa.PublicKey) (*Sealed, error) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}

	encMessage, err := EncryptSymmetric(plaintext, key)
	if err != nil {
		return nil, err
	}

	encKey, err := EncryptAsymmetric([]byte(KeyToString(key)), recipient)
	if err != nil {
		return nil, err
	}

	return &Sealed{EncKey: encKey, EncMessage: encMessage}, nil
}

// Open unwraps the AES key with privateKey and decrypts the message.
func Open(s *Sealed, privateKey *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := DecryptAsymmetric(s.EncKey, privateKey)
	if err != nil {
		return nil, err
	}

	key, err := StringToKey(string(wrapped))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapped key: %v", ErrDecryption, err)
	}

	return DecryptSymmetric(s.EncMessage, key)
}
