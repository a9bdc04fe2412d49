// Package crypto provides the node identity and the cryptographic
// primitives used by the handshake and transport layers: Ed25519 signing,
// X25519 ECDH, HKDF-SHA256 key derivation, and ChaCha20-Poly1305 AEAD.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
)

// idMagic domain-separates derived node IDs from any other use of the
// signing key.
const idMagic = "MEMCLOUD_PROTOCOL_VER_01_SHA256_ID"

var b32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// DeriveID computes the stable, human-displayable node identity string
// from an Ed25519 public key. IDs are deterministic so any two nodes that
// observe the same public key agree on the same ID without exchanging one.
func DeriveID(publicKey ed25519.PublicKey) string {
	mac := hmac.New(sha256.New, []byte(idMagic))
	mac.Write(publicKey)
	sum := mac.Sum(nil)
	return b32Encoding.EncodeToString(sum)
}

// NodeIdentity is a node's persistent Ed25519 keypair together with the
// derived ID. It is created once on first daemon start and loaded from
// disk on every start thereafter (identity.key in the state directory).
type NodeIdentity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	id         string
	// DisplayName is the user-assigned, mutable label for this node.
	// It is not part of the identity and may be changed freely.
	DisplayName string
}

// NewNodeIdentity generates a fresh random identity.
func NewNodeIdentity(displayName string) (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &NodeIdentity{
		privateKey:  priv,
		publicKey:   pub,
		id:          DeriveID(pub),
		DisplayName: displayName,
	}, nil
}

// NodeIdentityFromPrivateKey reconstructs an identity from a persisted
// 32-byte Ed25519 seed, as read from identity.key.
func NodeIdentityFromPrivateKey(seed []byte, displayName string) (*NodeIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity key: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &NodeIdentity{
		privateKey:  priv,
		publicKey:   pub,
		id:          DeriveID(pub),
		DisplayName: displayName,
	}, nil
}

// ID returns the derived, stable identity string for this node.
func (n *NodeIdentity) ID() string { return n.id }

// PublicKey returns the node's Ed25519 public key.
func (n *NodeIdentity) PublicKey() ed25519.PublicKey { return n.publicKey }

// Seed returns the 32-byte private seed suitable for persisting to
// identity.key.
func (n *NodeIdentity) Seed() []byte {
	return n.privateKey.Seed()
}

// Sign produces an Ed25519 signature over message.
func (n *NodeIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(n.privateKey, message)
}

// Verify checks a signature against this identity's own public key. Use
// VerifyWithKey to check a signature from a remote peer's advertised key.
func (n *NodeIdentity) Verify(message, signature []byte) bool {
	return ed25519.Verify(n.publicKey, message, signature)
}

// VerifyWithKey checks an Ed25519 signature against an arbitrary public
// key, used to validate a remote peer's AuthA/AuthB signature during the
// handshake.
func VerifyWithKey(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// ErrIdentityMismatch is returned when a claimed identity string does not
// match the identity derived from the accompanying public key.
var ErrIdentityMismatch = errors.New("crypto: claimed identity does not match public key")

// ValidateRemoteIdentity checks that id is indeed DeriveID(publicKey).
func ValidateRemoteIdentity(id string, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("crypto: invalid public key length %d", len(publicKey))
	}
	if DeriveID(publicKey) != id {
		return ErrIdentityMismatch
	}
	return nil
}
