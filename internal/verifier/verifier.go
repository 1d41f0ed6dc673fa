// Package verifier performs constant-time Ed25519 signature verification
// of monitor-submitted request bodies, keyed by source identity.
package verifier

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// Every branch below returns a distinct error kind so the server log can
// distinguish them, but the HTTP layer MUST map all of them to the same
// 401 status to avoid leaking which part of verification failed.
var (
	ErrUnknownSource    = errors.New("verifier: unknown source")
	ErrInvalidBase64    = errors.New("verifier: invalid base64 encoding")
	ErrInvalidPublicKey = errors.New("verifier: invalid public key")
	ErrInvalidSignature = errors.New("verifier: invalid signature")
)

const (
	publicKeySize = ed25519.PublicKeySize
	signatureSize = ed25519.SignatureSize
)

// Directory maps a source identifier to its base64-encoded Ed25519
// verifying key, with a lock so it can be refreshed from the IdP while
// requests are being verified.
type Directory struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewDirectory builds a Directory from an initial set of source -> base64
// public key pairs.
func NewDirectory(keys map[string]string) *Directory {
	d := &Directory{keys: make(map[string]string, len(keys))}
	for k, v := range keys {
		d.keys[k] = v
	}
	return d
}

// Replace atomically swaps the entire key set, used after a directory
// refresh from the IdP.
func (d *Directory) Replace(keys map[string]string) {
	fresh := make(map[string]string, len(keys))
	for k, v := range keys {
		fresh[k] = v
	}
	d.mu.Lock()
	d.keys = fresh
	d.mu.Unlock()
}

// Lookup returns the base64 public key registered for source, if any.
func (d *Directory) Lookup(source string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[source]
	return key, ok
}

// Len reports how many sources are registered.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

// Verify checks that signatureB64 is a valid, strict (non-malleable)
// Ed25519 signature over body, produced by the private key registered
// for source in dir.
func Verify(source, signatureB64 string, body []byte, dir *Directory) error {
	pubB64, ok := dir.Lookup(source)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	pubBytes, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return fmt.Errorf("%w: public_key", ErrInvalidBase64)
	}
	if len(pubBytes) != publicKeySize {
		return ErrInvalidPublicKey
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature", ErrInvalidBase64)
	}
	if len(sigBytes) != signatureSize {
		return ErrInvalidSignature
	}

	// crypto/ed25519.Verify implements the RFC 8032 check: a signature
	// whose S component is not fully reduced is rejected, so the
	// malleable sibling of an accepted signature never verifies.
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), body, sigBytes) {
		return ErrInvalidSignature
	}
	return nil
}
