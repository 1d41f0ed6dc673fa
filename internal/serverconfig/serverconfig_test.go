package serverconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func clearServerEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"VIBETEA_PUBLIC_KEYS", "VIBETEA_SUBSCRIBER_TOKEN", "PORT", "VIBETEA_UNSAFE_NO_AUTH",
		"VIBETEA_SUPABASE_URL", "VIBETEA_SUPABASE_ANON_KEY",
		"VIBETEA_RATE_LIMIT_PER_SEC", "VIBETEA_RATE_LIMIT_BURST",
		"VIBETEA_NATS_URL", "VIBETEA_NATS_SUBJECT", "VIBETEA_KEYS_FILE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestFromEnv_UnsafeNoAuthSkipsValidation(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("VIBETEA_UNSAFE_NO_AUTH", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("expected no error with unsafe_no_auth, got %v", err)
	}
	if !cfg.UnsafeNoAuth {
		t.Fatal("expected UnsafeNoAuth true")
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestFromEnv_MissingRequiredVars(t *testing.T) {
	clearServerEnv(t)
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when required auth vars are missing")
	}
}

func TestFromEnv_FullyConfigured(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("VIBETEA_PUBLIC_KEYS", "source1:key1,source2:key2")
	t.Setenv("VIBETEA_SUBSCRIBER_TOKEN", "secret-token")
	t.Setenv("VIBETEA_SUPABASE_URL", "https://idp.example.com")
	t.Setenv("VIBETEA_SUPABASE_ANON_KEY", "anon-key")
	t.Setenv("PORT", "9090")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if len(cfg.PublicKeys) != 2 || cfg.PublicKeys["source1"] != "key1" {
		t.Fatalf("unexpected public keys: %+v", cfg.PublicKeys)
	}
}

func TestFromEnv_InvalidPublicKeysFormat(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("VIBETEA_PUBLIC_KEYS", "malformed-entry-without-colon")
	t.Setenv("VIBETEA_SUBSCRIBER_TOKEN", "t")
	t.Setenv("VIBETEA_SUPABASE_URL", "https://idp.example.com")
	t.Setenv("VIBETEA_SUPABASE_ANON_KEY", "a")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for malformed VIBETEA_PUBLIC_KEYS")
	}
}

func TestFromEnv_InvalidPort(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("VIBETEA_UNSAFE_NO_AUTH", "true")
	t.Setenv("PORT", "not-a-number")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoadKeysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	body := `
keys:
  - source_id: monitor-1
    public_key: base64-key-1
  - source_id: monitor-2
    public_key: base64-key-2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	keys, err := LoadKeysFile(path)
	if err != nil {
		t.Fatalf("load keys file: %v", err)
	}
	if len(keys) != 2 || keys["monitor-1"] != "base64-key-1" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestLoadKeysFile_RejectsIncompleteEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	body := `
keys:
  - source_id: monitor-1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadKeysFile(path); err == nil {
		t.Fatal("expected error for entry missing public_key")
	}
}
