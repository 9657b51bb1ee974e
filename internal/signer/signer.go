// Package signer provides the signing abstraction used when committing
// ledger entries, plus a registry of signer public keys for verification.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
)

// Signer signs an entry digest and identifies itself.
type Signer interface {
	// Sign signs the provided digest bytes and returns (signature, signerId, error).
	Sign(digest []byte) (sig []byte, signerID string, err error)

	// PublicKey returns the public key bytes for verification (nil if not supported).
	PublicKey() []byte
}

// LocalSigner is an in-process Ed25519 signer for development and testing.
type LocalSigner struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewLocalSigner creates a LocalSigner with a fresh Ed25519 keypair.
// signerID is a logical identifier (e.g. "ledger-signer-1").
func NewLocalSigner(signerID string) *LocalSigner {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// Key generation should not fail in normal environments; surface early.
		panic(err)
	}
	return &LocalSigner{priv: priv, pub: pub, signerID: signerID}
}

// Sign implements Signer.
func (l *LocalSigner) Sign(digest []byte) ([]byte, string, error) {
	if l.priv == nil {
		return nil, "", errors.New("local signer: private key not initialized")
	}
	return ed25519.Sign(l.priv, digest), l.signerID, nil
}

// PublicKey returns the Ed25519 public key bytes.
func (l *LocalSigner) PublicKey() []byte {
	return l.pub
}

// Registry maps signer ids to public keys so verifiers can check entry
// signatures without holding the signer itself.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: map[string]ed25519.PublicKey{}}
}

// Add registers a signer public key.
func (r *Registry) Add(signerID string, pub []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signerID] = ed25519.PublicKey(append([]byte(nil), pub...))
}

// Verify checks sigB64 (base64) against the digest using the registered key.
// Unknown signer ids verify false.
func (r *Registry) Verify(signerID string, digest []byte, sigB64 string) bool {
	r.mu.RLock()
	pub, ok := r.keys[signerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}
