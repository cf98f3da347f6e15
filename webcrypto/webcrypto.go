// Package webcrypto implements the primitives the settlement core shares
// with the browser clients: SHA-256, ECDSA-P256 verification with raw
// IEEE-P1363 signatures, ECDH-P256 bit derivation, HKDF-SHA256 and
// AES-256-GCM. The parameter choices mirror the Web Crypto API defaults so
// material produced in the browser round-trips bit-exact.
package webcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

const (
	// GCMNonceSize is the 12-byte IV length the clients use for every
	// AES-GCM operation.
	GCMNonceSize = 12

	// KeyWrapInfo is the HKDF info string for deriving the AES wrapping
	// key from an ECDH shared secret.
	KeyWrapInfo = "aes-key-wrapping"

	// P1363SignatureSize is r||s, each 32 bytes big-endian zero-padded.
	P1363SignatureSize = 64
)

// ErrSignatureInvalid reports an ECDSA verification failure, including
// signatures that are not in raw P1363 form.
var ErrSignatureInvalid = errors.New("webcrypto: signature invalid")

// ErrDecryptFailed reports an AES-GCM authentication failure. Key mismatch
// and ciphertext corruption are deliberately indistinguishable.
var ErrDecryptFailed = errors.New("webcrypto: decrypt failed")

// SHA256 returns the 32-byte digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the lowercase hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyP1363 checks an ECDSA-P256 signature in raw r||s form against a
// digest. DER-encoded signatures are rejected: the browser clients only
// ever produce the 64-byte concatenation, and accepting both encodings
// would make signatures malleable across forms.
func VerifyP1363(pub *ecdsa.PublicKey, sig, digest []byte) error {
	if len(sig) != P1363SignatureSize {
		return fmt.Errorf("%w: want %d-byte r||s signature, got %d bytes",
			ErrSignatureInvalid, P1363SignatureSize, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest, r, s) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignP1363 produces an ECDSA-P256 signature over digest in raw r||s form.
// The bank never signs transactions itself; this exists for tooling and for
// exercising the verify path against locally generated material.
func SignP1363(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, P1363SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// DeriveBits performs ECDH against the peer key and returns the 32-byte
// X coordinate of the shared point.
func DeriveBits(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(peer)
}

// HKDFSHA256 derives length bytes from ikm with the given salt and info.
func HKDFSHA256(ikm, salt []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("webcrypto: hkdf: %w", err)
	}
	return out, nil
}

// DeriveWrappingKey is the envelope key schedule: ECDH shared bits through
// HKDF-SHA256 with empty salt and the key-wrapping info string.
func DeriveWrappingKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	shared, err := DeriveBits(priv, peer)
	if err != nil {
		return nil, err
	}
	return HKDFSHA256(shared, nil, KeyWrapInfo, 32)
}

// GCMDecrypt opens ciphertext (tag appended) under key and the 12-byte iv.
func GCMDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != GCMNonceSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrDecryptFailed, GCMNonceSize)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// GCMEncrypt seals plaintext under key with a fresh random IV and returns
// the IV and the ciphertext-plus-tag separately, matching the envelope
// layout the clients emit.
func GCMEncrypt(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, GCMNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("webcrypto: bad aes key: %w", err)
	}
	return cipher.NewGCM(block)
}
