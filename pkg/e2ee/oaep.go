package e2ee

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"math/big"
)

// Clients wrap keys with RSA/ECB/OAEPWITHSHA-256ANDMGF1PADDING and no
// parameter spec, which hashes the label with SHA-256 but runs MGF1 over
// SHA-1. rsa.EncryptOAEP ties both to one hash, so encryption is done here
// (RFC 8017 section 7.1.1). Decryption goes through rsa.OAEPOptions.

var errMessageTooLong = errors.New("message too long for RSA key size")

// encryptOAEP returns the EME-OAEP encryption of msg with a SHA-256 label
// hash and MGF1-SHA-1, reading the seed from random.
func encryptOAEP(random io.Reader, pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	if pub.N == nil || pub.E < 2 {
		return nil, errors.New("invalid public key")
	}
	k := (pub.N.BitLen() + 7) / 8
	hLen := sha256.Size
	if len(msg) > k-2*hLen-2 {
		return nil, errMessageTooLong
	}

	// EM = 0x00 || maskedSeed || maskedDB
	em := make([]byte, k)
	seed := em[1 : 1+hLen]
	db := em[1+hLen:]

	lHash := sha256.Sum256(nil)
	copy(db, lHash[:])
	db[len(db)-len(msg)-1] = 0x01
	copy(db[len(db)-len(msg):], msg)

	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, err
	}

	mgf1XOR(db, sha1.New(), seed)
	mgf1XOR(seed, sha1.New(), db)

	m := new(big.Int).SetBytes(em)
	c := m.Exp(m, big.NewInt(int64(pub.E)), pub.N)
	return c.FillBytes(make([]byte, k)), nil
}

// mgf1XOR xors out with the MGF1 mask generated from seed
func mgf1XOR(out []byte, h hash.Hash, seed []byte) {
	var counter [4]byte
	var digest []byte

	done := 0
	for done < len(out) {
		h.Reset()
		h.Write(seed)
		h.Write(counter[:])
		digest = h.Sum(digest[:0])

		n := subtle.XORBytes(out[done:], out[done:], digest)
		done += n

		binary.BigEndian.PutUint32(counter[:], binary.BigEndian.Uint32(counter[:])+1)
	}
}
