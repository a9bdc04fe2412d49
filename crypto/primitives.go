package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// EphemeralKeyPair is an X25519 keypair used once per handshake.
type EphemeralKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateEphemeralKeyPair creates a fresh X25519 keypair for a single
// handshake attempt.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	var kp EphemeralKeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return &kp, nil
}

// ECDH performs X25519(ourPrivate, theirPublic).
func ECDH(ourPrivate, theirPublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(ourPrivate[:], theirPublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 ecdh: %w", err)
	}
	return shared, nil
}

// RandomNonce32 returns 32 cryptographically random bytes, used as the
// per-handshake nonce_A/nonce_B fields in HelloA/HelloB.
func RandomNonce32() ([32]byte, error) {
	var n [32]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return n, nil
}

// DeriveKeys runs HKDF-SHA256 over secret with the given salt and info,
// producing outLen bytes of key material. Used both for the handshake
// key/chaining-key derivation (salt = transcript hash) and for the
// directional traffic-key derivation (info = tx/rx label).
func DeriveKeys(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF only fails if the requested output exceeds 255*hash-size;
		// with fixed small outLen values this is a programming error, not
		// a runtime condition the caller can recover from.
		panic(fmt.Sprintf("crypto: hkdf expand failed: %v", err))
	}
	return out, nil
}

// NewAEAD constructs a ChaCha20-Poly1305 AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: aead key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	return aead, nil
}

// AEAD is the subset of cipher.AEAD the transport layer relies on; kept
// as a narrow interface so tests can substitute a fake cipher.
type AEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NonceFromCounter renders a 64-bit direction counter into the 12-byte
// nonce ChaCha20-Poly1305 expects: 4 zero bytes followed by the
// big-endian counter. Zero-padding on the left keeps the encoding
// injective and monotonic, which is what the nonce-never-repeats
// session invariant depends on.
func NonceFromCounter(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[11-i] = byte(counter >> (8 * i))
	}
	return nonce
}
