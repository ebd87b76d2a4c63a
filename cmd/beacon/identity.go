package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"beacon/core"
)

const identityFileName = "identity.json"

// loadOrCreateIdentity reads dataDir/identity.json, creating a fresh
// identity (and mnemonic printout) if none exists yet. password encrypts the
// keystore at rest; an empty password stores the raw private key, matching
// the teacher's devnet convenience mode.
func loadOrCreateIdentity(dataDir, password string) (*core.Identity, error) {
	path := filepath.Join(dataDir, identityFileName)
	if raw, err := os.ReadFile(path); err == nil {
		return decodeIdentityFile(raw, password)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	id, mnemonic, err := core.GenerateWithMnemonic()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	fmt.Fprintf(os.Stderr, "generated new identity %s\nmnemonic (write this down, it is not stored): %s\n", id.AgentID(), mnemonic)
	if err := saveIdentity(dataDir, id, password); err != nil {
		return nil, err
	}
	return id, nil
}

func decodeIdentityFile(raw []byte, password string) (*core.Identity, error) {
	var ks core.Keystore
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	if ks.Encrypted {
		return core.FromEncryptedKeystore(&ks, password)
	}
	return core.FromPrivateKeyHex(ks.Ciphertext)
}

func saveIdentity(dataDir string, id *core.Identity, password string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	var raw []byte
	var err error
	if password != "" {
		ks, kerr := id.ExportEncryptedKeystore(password)
		if kerr != nil {
			return fmt.Errorf("export keystore: %w", kerr)
		}
		raw, err = json.MarshalIndent(ks, "", "  ")
	} else {
		ks := core.Keystore{
			Encrypted:    false,
			AgentID:      id.AgentID(),
			PublicKeyHex: id.PublicKeyHex(),
			Ciphertext:   id.PrivateKeyHex(),
		}
		raw, err = json.MarshalIndent(ks, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal identity file: %w", err)
	}
	path := filepath.Join(dataDir, identityFileName)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}
