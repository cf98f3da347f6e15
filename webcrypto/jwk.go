package webcrypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is the wire form for all public-key material crossing the component
// boundary. Only EC P-256 keys are used by this system.
type JWK struct {
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv"`
	X      string   `json:"x"`
	Y      string   `json:"y"`
	D      string   `json:"d,omitempty"`
	Ext    bool     `json:"ext,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
}

func (k JWK) validate() error {
	if k.Kty != "EC" {
		return fmt.Errorf("jwk: unsupported key type %q", k.Kty)
	}
	if k.Crv != "P-256" {
		return fmt.Errorf("jwk: unsupported curve %q", k.Crv)
	}
	if k.X == "" || k.Y == "" {
		return fmt.Errorf("jwk: missing x or y coordinate")
	}
	return nil
}

func decodeCoordinate(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		// Web-crypto exports unpadded base64url, but tolerate padded input.
		b, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("jwk: bad base64url coordinate: %w", err)
		}
	}
	if len(b) > 32 {
		return nil, fmt.Errorf("jwk: coordinate longer than 32 bytes")
	}
	// Left-pad to the curve size.
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded, nil
}

// ECDSAPublicKey converts a JWK to an ECDSA P-256 verifying key.
func (k JWK) ECDSAPublicKey() (*ecdsa.PublicKey, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	xb, err := decodeCoordinate(k.X)
	if err != nil {
		return nil, err
	}
	yb, err := decodeCoordinate(k.Y)
	if err != nil {
		return nil, err
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	// Reject coordinates that are not on the curve before any verify call.
	if _, err := pub.ECDH(); err != nil {
		return nil, fmt.Errorf("jwk: point not on P-256: %w", err)
	}
	return pub, nil
}

// ECDHPublicKey converts a JWK to an ECDH P-256 key-agreement peer key.
func (k JWK) ECDHPublicKey() (*ecdh.PublicKey, error) {
	pub, err := k.ECDSAPublicKey()
	if err != nil {
		return nil, err
	}
	return pub.ECDH()
}

// ECDHPrivateKey converts a JWK carrying a private scalar to an ECDH key.
func (k JWK) ECDHPrivateKey() (*ecdh.PrivateKey, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	if k.D == "" {
		return nil, fmt.Errorf("jwk: missing private scalar d")
	}
	db, err := decodeCoordinate(k.D)
	if err != nil {
		return nil, err
	}
	return ecdh.P256().NewPrivateKey(db)
}

// PublicKeyToJWK exports an ECDH public key in the JWK form the web clients
// import (uncompressed point, unpadded base64url coordinates).
func PublicKeyToJWK(pub *ecdh.PublicKey) JWK {
	raw := pub.Bytes() // 0x04 || X || Y
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(raw[1:33]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[33:65]),
		Ext: true,
	}
}

// PrivateKeyToJWK exports a full ECDH keypair including the private scalar.
func PrivateKeyToJWK(priv *ecdh.PrivateKey) JWK {
	k := PublicKeyToJWK(priv.PublicKey())
	k.D = base64.RawURLEncoding.EncodeToString(priv.Bytes())
	return k
}
