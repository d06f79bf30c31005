// Package notify implements the push-notification dispatcher: an event bus
// subscriber that filters qualifying domain events and delivers VAPID-signed
// Web Push messages to registered browser subscriptions, with stale-endpoint
// cleanup.
package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const vapidKeysFileName = "vapid_keys.json"

// vapidKeysFile is the on-disk representation: a PKCS8-PEM private key and
// the base64url-encoded uncompressed public key point, mirroring the shape
// persisted by the VapidKeyManager this package is ported from.
type vapidKeysFile struct {
	PrivateKeyPEM string `json:"private_key_pem"`
	PublicKey     string `json:"public_key_base64url"`
}

// KeyManager holds the process-wide VAPID signing key pair.
type KeyManager struct {
	private    *ecdsa.PrivateKey
	publicB64  string
	configPath string
}

// LoadOrGenerate loads an existing VAPID key pair from
// <configDir>/vapid_keys.json, or generates and persists a fresh one if
// absent.
func LoadOrGenerate(configDir string) (*KeyManager, error) {
	keysPath := filepath.Join(configDir, vapidKeysFileName)

	if data, err := os.ReadFile(keysPath); err == nil {
		return loadFrom(data, keysPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("notify: read VAPID keys: %w", err)
	}

	return generateAndPersist(keysPath)
}

func loadFrom(data []byte, keysPath string) (*KeyManager, error) {
	var file vapidKeysFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("notify: invalid VAPID keys file: %w", err)
	}

	block, _ := pem.Decode([]byte(file.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("notify: VAPID private key is not valid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("notify: parse VAPID private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("notify: VAPID private key is not an ECDSA key")
	}

	return &KeyManager{private: ecKey, publicB64: file.PublicKey, configPath: keysPath}, nil
}

func generateAndPersist(keysPath string) (*KeyManager, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("notify: generate VAPID key: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("notify: encode VAPID private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	pointBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicB64 := base64.RawURLEncoding.EncodeToString(pointBytes)

	file := vapidKeysFile{PrivateKeyPEM: string(pemBytes), PublicKey: publicB64}
	content, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("notify: serialize VAPID keys: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keysPath), 0o700); err != nil {
		return nil, fmt.Errorf("notify: create config dir: %w", err)
	}
	if err := os.WriteFile(keysPath, content, 0o600); err != nil {
		return nil, fmt.Errorf("notify: write VAPID keys: %w", err)
	}

	return &KeyManager{private: key, publicB64: publicB64, configPath: keysPath}, nil
}

// PublicKey returns the base64url-encoded uncompressed public key point, for
// browsers to pass to PushManager.subscribe.
func (m *KeyManager) PublicKey() string { return m.publicB64 }

// ConfigPath returns the path keys were loaded from or persisted to.
func (m *KeyManager) ConfigPath() string { return m.configPath }

// PrivateKeyBase64 returns the raw 32-byte ECDSA scalar D, base64url
// encoded, in the form webpush-go's Options.VAPIDPrivateKey expects (not
// the PKCS8-PEM on-disk encoding).
func (m *KeyManager) PrivateKeyBase64() string {
	d := m.private.D.Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(d):], d)
	return base64.RawURLEncoding.EncodeToString(padded)
}
