package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateKeyPair_SignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := Identity{Source: "monitor-1", PrivateKey: priv, PublicKey: pub}

	body := []byte(`[{"id":"evt_1"}]`)
	sigB64 := id.Sign(body)

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte ed25519 signature, got %d", len(sig))
	}
}

func TestIdentity_Fingerprint(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := Identity{Source: "s", PrivateKey: priv, PublicKey: pub}
	fp := id.Fingerprint()
	if len(fp) != 8 {
		t.Fatalf("expected 8-char fingerprint, got %q", fp)
	}
}

func TestLoad_FromEnvVar(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seed := priv.Seed()
	encoded := base64.StdEncoding.EncodeToString(seed)

	t.Setenv("VIBETEA_TEST_SEED", encoded)

	id, err := Load("source-a", "VIBETEA_TEST_SEED", "/nonexistent/path")
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if id.Source != "source-a" {
		t.Fatalf("expected source-a, got %q", id.Source)
	}
	if !pub.Equal(id.PublicKey) {
		t.Fatal("public key mismatch after loading from env seed")
	}
}

func TestLoad_FromKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.priv")

	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SavePrivateKey(path, priv); err != nil {
		t.Fatalf("save private key: %v", err)
	}

	id, err := Load("source-b", "VIBETEA_UNSET_VAR_XYZ", path)
	if err != nil {
		t.Fatalf("load from file: %v", err)
	}
	if !pub.Equal(id.PublicKey) {
		t.Fatal("public key mismatch after loading from file")
	}
}

func TestLoad_InvalidSeedLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.priv")
	if err := os.WriteFile(path, []byte("too-short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load("source-c", "VIBETEA_UNSET_VAR_XYZ", path); err == nil {
		t.Fatal("expected error for undersized seed")
	}
}

func TestSaveAndLoadPublicKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pub")

	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SavePublicKey(path, pub); err != nil {
		t.Fatalf("save public key: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data[:len(data)-1]))
	if err != nil {
		t.Fatalf("decode saved public key: %v", err)
	}
	if !pub.Equal(ed25519.PublicKey(decoded)) {
		t.Fatal("saved public key does not round-trip")
	}
}
