// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// SecureChat at-rest crypto
//
// - SHA3-256 for fingerprints and domain-separated hashing
// - Argon2id passphrase KDF for the local vault
// - XChaCha20-Poly1305 sealing of vault records
// Message signatures live in internal/identity.
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
	SaltSize   = 16

	fingerprintLabel = "securechat:fingerprint:v1"
	fingerprintBytes = 16
)

var ErrShortCiphertext = errors.New("sealed value too short")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Fingerprint is a short stable identifier for a public key. It is what
// messages should be correlated by, not the free-text sender name.
func Fingerprint(pub []byte) string {
	if len(pub) == 0 {
		return ""
	}
	return hex.EncodeToString(KDF(fingerprintLabel, pub)[:fingerprintBytes])
}

// -----------------------------------------------------------------------------
// Passphrase KDF
// -----------------------------------------------------------------------------

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func DeriveKey(passphrase, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("bad salt size: need %d", SaltSize)
	}
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, XKeySize), nil
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal draws a random 24 byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// Seal returns nonce || ciphertext.
func Seal(key32, plaintext, aad []byte) ([]byte, error) {
	nonce, ct, err := XSeal(key32, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	return append(out, ct...), nil
}

func Open(key32, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < XNonceSize+chacha20poly1305.Overhead {
		return nil, ErrShortCiphertext
	}
	return XOpen(key32, sealed[:XNonceSize], sealed[XNonceSize:], aad)
}
