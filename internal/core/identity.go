package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// SignatureSize is the length of an ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// PublicKey identifies an author.
type PublicKey [ed25519.PublicKeySize]byte

// Signature is a detached ed25519 signature over a header.
type Signature [SignatureSize]byte

// String returns the lowercase hex form.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns the first 8 hex characters, for logs.
func (p PublicKey) Short() string {
	return hex.EncodeToString(p[:4])
}

// PeerID derives the 64-bit discriminator used inside the text engine:
// the first 8 bytes of the key read big-endian.
func (p PublicKey) PeerID() uint64 {
	return binary.BigEndian.Uint64(p[:8])
}

// Verify reports whether sig is a valid signature of msg by p.
func (p PublicKey) Verify(msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(p[:]), msg, sig[:])
}

// ParsePublicKey decodes a 64-character hex string.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("parse public key: %w", err)
	}
	if len(b) != len(p) {
		return p, fmt.Errorf("parse public key: expected %d bytes, got %d", len(p), len(b))
	}
	copy(p[:], b)
	return p, nil
}

// PrivateKey signs headers on behalf of one author.
// The zero value is not usable; construct with GeneratePrivateKey or
// PrivateKeyFromSeed.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GeneratePrivateKey creates a new random key.
func GeneratePrivateKey() (PrivateKey, error) {
	_, k, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("generate key: %w", err)
	}
	return PrivateKey{key: k}, nil
}

// PrivateKeyFromSeed rebuilds a key from its 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("private key seed: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// ParsePrivateKey decodes a hex-encoded seed as written by `aardvark keygen`.
func ParsePrivateKey(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("parse private key: %w", err)
	}
	return PrivateKeyFromSeed(b)
}

// IsZero reports whether k was never initialised.
func (k PrivateKey) IsZero() bool {
	return len(k.key) == 0
}

// Seed returns the 32-byte seed.
func (k PrivateKey) Seed() []byte {
	return k.key.Seed()
}

// String returns the hex-encoded seed.
func (k PrivateKey) String() string {
	return hex.EncodeToString(k.key.Seed())
}

// PublicKey returns the verifying half of the key pair.
func (k PrivateKey) PublicKey() PublicKey {
	var p PublicKey
	copy(p[:], k.key.Public().(ed25519.PublicKey))
	return p
}

// Sign produces a detached signature over msg.
func (k PrivateKey) Sign(msg []byte) Signature {
	var s Signature
	copy(s[:], ed25519.Sign(k.key, msg))
	return s
}
