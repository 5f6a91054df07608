// Package signer abstracts over signing authorities: an HMAC shared
// secret for the event log, and Ed25519 asymmetric signatures for
// manifests. Both implementations satisfy one Signer interface so
// the Event Log and Publish Pipeline depend on the abstraction, not
// the algorithm, mirroring the teacher's collaborator-interface
// discipline (AtomicApprovalWriter, TokenRevocationChecker).
package signer

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"domaindetermine.io/governance/internal/apperr"
)

// Signer signs and verifies byte strings under a stable key_id
// recorded by the caller (the manifest, or the event-log's fixed
// secret key identity). Keys are looked up through a KeyRegistry so
// revocation can be checked before signing.
type Signer interface {
	Sign(keyID string, message []byte) (signature string, err error)
	Verify(keyID string, message []byte, signature string) (bool, error)
}

// KeyRegistry tracks, in memory, which key_ids have been revoked.
// Signing requests for a revoked key are rejected.
type KeyRegistry struct {
	mu       sync.RWMutex
	revoked  map[string]bool
}

// NewKeyRegistry creates an empty registry; all keys are assumed
// active until explicitly revoked.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{revoked: make(map[string]bool)}
}

// Revoke marks a key_id as revoked. Future Sign calls for it fail;
// Verify calls still succeed so historical signatures remain
// auditable.
func (r *KeyRegistry) Revoke(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[keyID] = true
}

func (r *KeyRegistry) isRevoked(keyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revoked[keyID]
}

// HMACSigner signs with a single shared secret, used for the event
// log's HMAC chain. key_id is accepted for interface symmetry but
// HMACSigner only ever signs under its one configured secret.
type HMACSigner struct {
	keyID    string
	secret   []byte
	registry *KeyRegistry
}

// NewHMACSigner builds an HMACSigner bound to one key_id/secret pair.
func NewHMACSigner(keyID string, secret []byte, registry *KeyRegistry) *HMACSigner {
	return &HMACSigner{keyID: keyID, secret: secret, registry: registry}
}

func (s *HMACSigner) Sign(keyID string, message []byte) (string, error) {
	if keyID != s.keyID {
		return "", apperr.SchemaViolation("hmac signer: unknown key_id " + keyID)
	}
	if s.registry != nil && s.registry.isRevoked(keyID) {
		return "", apperr.PolicyViolation("hmac signer: key_id " + keyID + " is revoked")
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(keyID string, message []byte, signature string) (bool, error) {
	if keyID != s.keyID {
		return false, nil
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// Ed25519Signer signs manifests asymmetrically. Multiple key pairs
// may be registered, keyed by key_id, so key rotation does not
// invalidate historical manifest signatures.
type Ed25519Signer struct {
	mu       sync.RWMutex
	keys     map[string]ed25519.PrivateKey
	pubKeys  map[string]ed25519.PublicKey
	registry *KeyRegistry
}

// NewEd25519Signer creates an empty signer; keys are added via
// AddKey.
func NewEd25519Signer(registry *KeyRegistry) *Ed25519Signer {
	return &Ed25519Signer{
		keys:     make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
		registry: registry,
	}
}

// AddKey registers a signing key pair under key_id, deriving the
// private key deterministically from a 32-byte seed so configuration
// need only carry the seed.
func (s *Ed25519Signer) AddKey(keyID string, seed []byte) {
	priv := ed25519.NewKeyFromSeed(seed)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = priv
	s.pubKeys[keyID] = priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(keyID string, message []byte) (string, error) {
	if s.registry != nil && s.registry.isRevoked(keyID) {
		return "", apperr.PolicyViolation("ed25519 signer: key_id " + keyID + " is revoked")
	}
	s.mu.RLock()
	priv, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return "", apperr.SchemaViolation("ed25519 signer: unknown key_id " + keyID)
	}
	sig := ed25519.Sign(priv, message)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) Verify(keyID string, message []byte, signature string) (bool, error) {
	s.mu.RLock()
	pub, ok := s.pubKeys[keyID]
	s.mu.RUnlock()
	if !ok {
		return false, apperr.SchemaViolation("ed25519 signer: unknown key_id " + keyID)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	return ed25519.Verify(pub, message, sigBytes), nil
}
