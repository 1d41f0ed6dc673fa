// Command keygen generates an Ed25519 signing key pair for a monitor
// source, in the raw-seed / base64-public-key format the server's
// verifier directory and the monitor's identity loader both expect.
package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"github.com/vibetea/telemetry/internal/identity"
)

func main() {
	outputPrefix := parseKeygenArgs(os.Args[1:])

	privPath := outputPrefix + ".priv"
	pubPath := outputPrefix + ".pub"

	if err := checkKeyPaths(privPath, pubPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	pubKey, privKey, err := identity.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating key pair: %v\n", err)
		os.Exit(1)
	}

	if err := saveKeyPair(privPath, pubPath, privKey, pubKey); err != nil {
		fmt.Fprintf(os.Stderr, "error saving keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated key pair\n")
	fmt.Printf("  Private key: %s (keep secret! install it as key.priv in the monitor's key_path / VIBETEA_KEY_PATH directory)\n", privPath)
	fmt.Printf("  Public key:  %s (register with the server's VIBETEA_PUBLIC_KEYS or --keys-file)\n", pubPath)
}

func parseKeygenArgs(args []string) string {
	outputPrefix := "vibetea-key"

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "--output" || arg == "-o") && i+1 < len(args):
			i++
			outputPrefix = args[i]
		case strings.HasPrefix(arg, "--output="):
			outputPrefix = strings.TrimPrefix(arg, "--output=")
		case strings.HasPrefix(arg, "-o="):
			outputPrefix = strings.TrimPrefix(arg, "-o=")
		}
	}

	return outputPrefix
}

func checkKeyPaths(privPath, pubPath string) error {
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("%s already exists", privPath)
	}
	if _, err := os.Stat(pubPath); err == nil {
		return fmt.Errorf("%s already exists", pubPath)
	}
	return nil
}

func saveKeyPair(privPath, pubPath string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	if err := identity.SavePrivateKey(privPath, priv); err != nil {
		return fmt.Errorf("saving private key: %w", err)
	}
	if err := identity.SavePublicKey(pubPath, pub); err != nil {
		return fmt.Errorf("saving public key: %w", err)
	}
	return nil
}
