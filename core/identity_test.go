package core

import (
	"encoding/hex"
	"testing"
)

func TestGenerateAgentIDMatchesPublicKey(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := DeriveAgentID(id.pub); got != id.AgentID() {
		t.Fatalf("AgentID() = %q, want %q", id.AgentID(), got)
	}
	if len(id.AgentID()) != len(agentIDPrefix)+12 {
		t.Fatalf("agent id length = %d, want %d", len(id.AgentID()), len(agentIDPrefix)+12)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("hello beacon")
	sig := id.Sign(msg)
	ok := Verify(id.PublicKeyHex(), hex.EncodeToString(sig), msg)
	if !ok {
		t.Fatalf("expected signature to verify")
	}
	if Verify(id.PublicKeyHex(), hex.EncodeToString(sig), []byte("different message")) {
		t.Fatalf("expected signature over different message to fail")
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	id, phrase, err := GenerateWithMnemonic()
	if err != nil {
		t.Fatalf("GenerateWithMnemonic: %v", err)
	}
	reconstructed, err := FromMnemonic(phrase)
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	if reconstructed.AgentID() != id.AgentID() {
		t.Fatalf("agent id mismatch after mnemonic round-trip")
	}
	if reconstructed.PrivateKeyHex() != id.PrivateKeyHex() {
		t.Fatalf("private key mismatch after mnemonic round-trip")
	}
}

func TestEncryptedKeystoreRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ks, err := id.ExportEncryptedKeystore("correct horse battery staple")
	if err != nil {
		t.Fatalf("ExportEncryptedKeystore: %v", err)
	}
	reconstructed, err := FromEncryptedKeystore(ks, "correct horse battery staple")
	if err != nil {
		t.Fatalf("FromEncryptedKeystore: %v", err)
	}
	if reconstructed.AgentID() != id.AgentID() {
		t.Fatalf("agent id mismatch after keystore round-trip")
	}
	if _, err := FromEncryptedKeystore(ks, "wrong password"); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
}
