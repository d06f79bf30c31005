package notify

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateCreatesNewKeys(t *testing.T) {
	dir := t.TempDir()
	km, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if km.PublicKey() == "" {
		t.Fatal("expected a non-empty public key")
	}
	if km.ConfigPath() != filepath.Join(dir, vapidKeysFileName) {
		t.Fatalf("unexpected config path %q", km.ConfigPath())
	}
}

func TestLoadOrGenerateReusesExistingKeys(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}

	second, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}

	if first.PublicKey() != second.PublicKey() {
		t.Fatal("expected the same public key across reloads")
	}
	if first.PrivateKeyBase64() != second.PrivateKeyBase64() {
		t.Fatal("expected the same private key across reloads")
	}
}

func TestPublicKeyIsUncompressedPoint(t *testing.T) {
	dir := t.TempDir()
	km, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	// A P-256 uncompressed point is 65 bytes -> ~87 base64url chars (unpadded).
	if len(km.PublicKey()) < 80 {
		t.Fatalf("public key looks too short: %d chars", len(km.PublicKey()))
	}
}
