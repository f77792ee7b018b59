package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// loadOrCreateHostKey parses an existing PEM-encoded ed25519 private key at
// path, generating and persisting a fresh one (mode 0600) if the file
// doesn't exist yet. The SFTP gateway needs exactly one stable host key per
// node so returning clients don't see a changed fingerprint across daemon
// restarts.
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("hostkey: parse %s: %w", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("hostkey: read %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hostkey: generate: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "wingsd host key")
	if err != nil {
		return nil, fmt.Errorf("hostkey: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("hostkey: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("hostkey: write %s: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("hostkey: signer from generated key: %w", err)
	}
	return signer, nil
}
