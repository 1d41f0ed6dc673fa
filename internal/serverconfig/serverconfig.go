// Package serverconfig loads the server's configuration from environment
// variables rather than the monitor's TOML file; the server is the piece
// meant to run as a twelve-factor container workload.
package serverconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is used when PORT is unset.
const DefaultPort = 8080

// Rate limiter defaults: 5 requests/sec refill with a burst capacity of
// 20, generous enough for a single monitor's normal traffic pattern.
const (
	DefaultRateLimitRate     = 5.0
	DefaultRateLimitCapacity = 20
)

// Config is the server's full runtime configuration.
type Config struct {
	// PublicKeys maps source id to base64-encoded Ed25519 public key,
	// parsed from VIBETEA_PUBLIC_KEYS ("source1:key1,source2:key2").
	PublicKeys map[string]string

	SubscriberToken string
	Port            int
	UnsafeNoAuth    bool

	IdPBaseURL string
	IdPAnonKey string

	RateLimitRate     float64
	RateLimitCapacity int

	// NATSUrl, when set, enables the optional durable-sink write-through.
	NATSUrl     string
	NATSSubject string

	KeysFilePath string
}

func init() {
	_ = godotenv.Load()
}

// FromEnv parses the server configuration from the process environment.
func FromEnv() (*Config, error) {
	unsafeNoAuth := parseBoolEnv("VIBETEA_UNSAFE_NO_AUTH")

	port, err := parsePort()
	if err != nil {
		return nil, err
	}

	publicKeys, err := parsePublicKeys()
	if err != nil {
		return nil, err
	}

	rateLimitRate := DefaultRateLimitRate
	if v := os.Getenv("VIBETEA_RATE_LIMIT_PER_SEC"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			rateLimitRate = parsed
		}
	}
	rateLimitCapacity := DefaultRateLimitCapacity
	if v := os.Getenv("VIBETEA_RATE_LIMIT_BURST"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			rateLimitCapacity = parsed
		}
	}

	cfg := &Config{
		PublicKeys:        publicKeys,
		SubscriberToken:   os.Getenv("VIBETEA_SUBSCRIBER_TOKEN"),
		Port:              port,
		UnsafeNoAuth:      unsafeNoAuth,
		IdPBaseURL:        os.Getenv("VIBETEA_SUPABASE_URL"),
		IdPAnonKey:        os.Getenv("VIBETEA_SUPABASE_ANON_KEY"),
		RateLimitRate:     rateLimitRate,
		RateLimitCapacity: rateLimitCapacity,
		NATSUrl:           os.Getenv("VIBETEA_NATS_URL"),
		NATSSubject:       os.Getenv("VIBETEA_NATS_SUBJECT"),
		KeysFilePath:      os.Getenv("VIBETEA_KEYS_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.UnsafeNoAuth {
		return nil
	}
	if len(c.PublicKeys) == 0 {
		return fmt.Errorf("serverconfig: missing required environment variable: VIBETEA_PUBLIC_KEYS")
	}
	if c.SubscriberToken == "" {
		return fmt.Errorf("serverconfig: missing required environment variable: VIBETEA_SUBSCRIBER_TOKEN")
	}
	if c.IdPBaseURL == "" {
		return fmt.Errorf("serverconfig: missing required environment variable: VIBETEA_SUPABASE_URL")
	}
	if c.IdPAnonKey == "" {
		return fmt.Errorf("serverconfig: missing required environment variable: VIBETEA_SUPABASE_ANON_KEY")
	}
	return nil
}

func parseBoolEnv(name string) bool {
	return strings.EqualFold(os.Getenv(name), "true")
}

func parsePort() (int, error) {
	v := os.Getenv("PORT")
	if v == "" {
		return DefaultPort, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("serverconfig: invalid port number: %q", v)
	}
	return port, nil
}

// parsePublicKeys parses "source1:key1,source2:key2" into a map.
func parsePublicKeys() (map[string]string, error) {
	raw := os.Getenv("VIBETEA_PUBLIC_KEYS")
	keys := make(map[string]string)
	if raw == "" {
		return keys, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("serverconfig: invalid format for VIBETEA_PUBLIC_KEYS: expected 'source:pubkey', got %q", pair)
		}
		source := strings.TrimSpace(parts[0])
		pubkey := strings.TrimSpace(parts[1])
		if source == "" {
			return nil, fmt.Errorf("serverconfig: invalid format for VIBETEA_PUBLIC_KEYS: source id cannot be empty")
		}
		if pubkey == "" {
			return nil, fmt.Errorf("serverconfig: invalid format for VIBETEA_PUBLIC_KEYS: public key for source %q cannot be empty", source)
		}
		keys[source] = pubkey
	}
	return keys, nil
}

// keysFile is the on-disk shape of the optional static public-key
// directory file, an alternative to VIBETEA_PUBLIC_KEYS for deployments
// with many registered sources.
type keysFile struct {
	Keys []struct {
		SourceID  string `yaml:"source_id"`
		PublicKey string `yaml:"public_key"`
	} `yaml:"keys"`
}

// LoadKeysFile reads a YAML static public-key directory file, in the same
// {source_id, public_key} shape as the IdP-fetched directory.
func LoadKeysFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: read keys file %s: %w", path, err)
	}
	var parsed keysFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("serverconfig: parse keys file %s: %w", path, err)
	}
	keys := make(map[string]string, len(parsed.Keys))
	for _, entry := range parsed.Keys {
		if entry.SourceID == "" || entry.PublicKey == "" {
			return nil, fmt.Errorf("serverconfig: keys file %s: entry missing source_id or public_key", path)
		}
		keys[entry.SourceID] = entry.PublicKey
	}
	return keys, nil
}
