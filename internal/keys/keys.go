// Package keys manages the gateway's Ed25519 signing identity: generation,
// loading from an injected secret, signing, and verification against a
// historical set of public keys (to allow rotation without invalidating old
// audit records or tokens).
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyPair holds the gateway's current signing key plus every public key that
// has ever signed for this gateway, oldest first. Verification checks
// against the whole set; signing always uses the current key.
type KeyPair struct {
	Current ed25519.PrivateKey
	History []ed25519.PublicKey // includes Current's public key as the last entry
}

// Generate creates a fresh random Ed25519 key pair. Intended for
// non-production runs (tests, local dev); production deployments must load
// a persisted key via LoadFromSeed so the identity survives restarts.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &KeyPair{Current: priv, History: []ed25519.PublicKey{pub}}, nil
}

// LoadFromSeed constructs a KeyPair from a 32-byte Ed25519 seed (as returned
// by a Secrets provider), plus zero or more additional historical public
// keys accepted for verification of records signed before a rotation.
func LoadFromSeed(seed []byte, historicalPublicKeys ...ed25519.PublicKey) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keys: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	history := make([]ed25519.PublicKey, 0, len(historicalPublicKeys)+1)
	history = append(history, historicalPublicKeys...)
	history = append(history, pub)
	return &KeyPair{Current: priv, History: history}, nil
}

// PublicKey returns the current signing key's public half.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.Current.Public().(ed25519.PublicKey)
}

// Sign signs digest (typically a SHA-256 record hash) with the current key.
// Ed25519 signs the message directly rather than a pre-hashed digest, so
// callers pass the bytes they want signed, not a second hash of the hash.
func (k *KeyPair) Sign(digest []byte) []byte {
	return ed25519.Sign(k.Current, digest)
}

// VerifyAny verifies sig over digest against every key in History, so
// records signed before a rotation still verify. Returns true if any
// historical key validates the signature.
func (k *KeyPair) VerifyAny(digest, sig []byte) bool {
	for _, pub := range k.History {
		if ed25519.Verify(pub, digest, sig) {
			return true
		}
	}
	return false
}

// VerifyWithSet verifies sig over digest against an externally supplied set
// of public keys (e.g. loaded from an evidence bundle's
// gateway_public_keys.json during export verification, independent of the
// live KeyPair).
func VerifyWithSet(pubKeys []ed25519.PublicKey, digest, sig []byte) bool {
	for _, pub := range pubKeys {
		if ed25519.Verify(pub, digest, sig) {
			return true
		}
	}
	return false
}

// EncodePublicKeyHex hex-encodes a public key for embedding in JSON
// structures such as the evidence bundle's gateway_public_keys.json.
func EncodePublicKeyHex(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// DecodePublicKeyHex parses a hex-encoded Ed25519 public key.
func DecodePublicKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: decode public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keys: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// IssuerKeyStore holds registered public keys for capability token issuers,
// keyed by the JWT "iss" claim. Any backend (in-memory, SQL, config-loaded)
// can implement it; NewStaticIssuerKeyStore is the in-memory default.
type IssuerKeyStore interface {
	GetPublicKey(issuer string) (ed25519.PublicKey, bool)
}

// StaticIssuerKeyStore is an in-memory IssuerKeyStore suitable for tests and
// for deployments where issuers are configured at startup.
type StaticIssuerKeyStore struct {
	keys map[string]ed25519.PublicKey
}

// NewStaticIssuerKeyStore builds an IssuerKeyStore from a fixed map.
func NewStaticIssuerKeyStore(keys map[string]ed25519.PublicKey) *StaticIssuerKeyStore {
	cp := make(map[string]ed25519.PublicKey, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &StaticIssuerKeyStore{keys: cp}
}

// GetPublicKey implements IssuerKeyStore.
func (s *StaticIssuerKeyStore) GetPublicKey(issuer string) (ed25519.PublicKey, bool) {
	pub, ok := s.keys[issuer]
	return pub, ok
}

// Register adds or replaces an issuer's public key.
func (s *StaticIssuerKeyStore) Register(issuer string, pub ed25519.PublicKey) {
	if s.keys == nil {
		s.keys = make(map[string]ed25519.PublicKey)
	}
	s.keys[issuer] = pub
}
