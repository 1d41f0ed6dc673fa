// Package identity manages the monitor's long-lived Ed25519 signing key:
// loading it from environment or disk, signing batches, and zeroizing the
// decoded seed once it is no longer needed.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
)

// SeedSize is the length in bytes of a raw Ed25519 seed file.
const SeedSize = ed25519.SeedSize

// Identity wraps a monitor's source id and its Ed25519 signing key.
type Identity struct {
	Source     string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Fingerprint returns the first 8 characters of the base64-encoded public
// key, suitable for user-visible logging (never the full key).
func (id Identity) Fingerprint() string {
	enc := base64.StdEncoding.EncodeToString(id.PublicKey)
	if len(enc) < 8 {
		return enc
	}
	return enc[:8]
}

// Sign computes the Ed25519 signature over body and returns it base64
// standard-encoded, ready for the X-Signature header.
func (id Identity) Sign(body []byte) string {
	sig := ed25519.Sign(id.PrivateKey, body)
	return base64.StdEncoding.EncodeToString(sig)
}

// Load resolves a signing key, preferring the environment variable named
// by envVar (a base64-encoded 32-byte seed; the monitor passes
// VIBETEA_SIGNING_KEY_SEED) and falling back to a raw 32-byte seed file
// at keyPath.
func Load(source, envVar, keyPath string) (Identity, error) {
	if envVar != "" {
		if encoded := os.Getenv(envVar); encoded != "" {
			seed, err := base64.StdEncoding.DecodeString(encoded)
			defer zero(seed)
			if err != nil {
				return Identity{}, fmt.Errorf("identity: decode %s: %w", envVar, err)
			}
			return fromSeed(source, seed)
		}
	}
	seed, err := os.ReadFile(keyPath)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: read key file %s: %w", keyPath, err)
	}
	defer zero(seed)
	return fromSeed(source, seed)
}

func fromSeed(source string, seed []byte) (Identity, error) {
	if len(seed) != SeedSize {
		return Identity{}, fmt.Errorf("identity: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return Identity{Source: source, PrivateKey: priv, PublicKey: pub}, nil
}

// zero overwrites a buffer that transiently held key material. Every
// return path in Load defers this, success or failure.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return pub, priv, nil
}

// SavePrivateKey writes the raw 32-byte seed to path with mode 0600.
func SavePrivateKey(path string, priv ed25519.PrivateKey) error {
	seed := priv.Seed()
	defer zero(seed)
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	return nil
}

// SavePublicKey writes the base64-encoded public key, newline-terminated,
// with mode 0644.
func SavePublicKey(path string, pub ed25519.PublicKey) error {
	enc := base64.StdEncoding.EncodeToString(pub) + "\n"
	if err := os.WriteFile(path, []byte(enc), 0o644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}
