// Package keys manages the bank's long-lived ECDH-P256 keypair used to
// open submission envelopes. The pair lives in a JSON file holding both
// halves in JWK form; rotation is manual (remove the file, restart).
package keys

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/offlinepay/bank/webcrypto"
)

// DefaultFile is the key file path used when none is configured.
const DefaultFile = "bank_keys.json"

type keyFile struct {
	PrivateKeyJWK webcrypto.JWK `json:"private_key_jwk"`
	PublicKeyJWK  webcrypto.JWK `json:"public_key_jwk"`
}

// Manager loads or generates the bank keypair at startup and serves it
// read-only for the process lifetime.
type Manager struct {
	path string
	priv *ecdh.PrivateKey
}

// NewManager creates a manager for the given key file path.
func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultFile
	}
	return &Manager{path: path}
}

// LoadOrGenerate returns the persisted keypair, generating and writing a
// new one when the file does not exist yet.
func (m *Manager) LoadOrGenerate() error {
	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return fmt.Errorf("keys: parse %s: %w", m.path, err)
		}
		priv, err := kf.PrivateKeyJWK.ECDHPrivateKey()
		if err != nil {
			return fmt.Errorf("keys: load %s: %w", m.path, err)
		}
		m.priv = priv
		return nil

	case errors.Is(err, fs.ErrNotExist):
		return m.generate()

	default:
		return fmt.Errorf("keys: read %s: %w", m.path, err)
	}
}

func (m *Manager) generate() error {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: generate: %w", err)
	}
	kf := keyFile{
		PrivateKeyJWK: webcrypto.PrivateKeyToJWK(priv),
		PublicKeyJWK:  webcrypto.PublicKeyToJWK(priv.PublicKey()),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("keys: write %s: %w", m.path, err)
	}
	m.priv = priv
	return nil
}

// PrivateKey returns the bank's ECDH private key. LoadOrGenerate must have
// succeeded first.
func (m *Manager) PrivateKey() *ecdh.PrivateKey {
	if m.priv == nil {
		panic("keys: manager used before LoadOrGenerate")
	}
	return m.priv
}

// PublicJWK returns the bank's public key in the JWK form the merchant
// front-end imports for envelope encryption.
func (m *Manager) PublicJWK() webcrypto.JWK {
	return webcrypto.PublicKeyToJWK(m.PrivateKey().PublicKey())
}
