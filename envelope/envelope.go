// Package envelope parses and opens the encrypted wire form the front-ends
// produce: an AES-256-GCM payload under a random inner key, with the inner
// key wrapped under an ECDH-derived AES key. The layout and parameter
// choices are fixed by the web clients and must not drift.
package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/offlinepay/bank/webcrypto"
)

// ErrMalformed reports an envelope that cannot be parsed: missing fields,
// bad base64, or a wrapped-key blob too short to carry its IV.
var ErrMalformed = errors.New("envelope: malformed")

// ErrDecryptFailed reports a GCM authentication failure while opening
// either layer. Key mismatch and payload corruption deliberately surface
// as the same error.
var ErrDecryptFailed = webcrypto.ErrDecryptFailed

// Envelope is the encrypted wire form. A transaction envelope carries
// SenderPublicKey (ECDSA verifier) and SenderECDHPublicKey (ephemeral ECDH
// peer); a ledger envelope carries ReceiverPublicKey as the ECDH peer.
type Envelope struct {
	EncryptedPayload    string         `json:"encrypted_payload"`
	EncryptedAESKey     string         `json:"encrypted_aes_key"`
	IV                  string         `json:"iv"`
	SenderPublicKey     *webcrypto.JWK `json:"sender_public_key,omitempty"`
	SenderECDHPublicKey *webcrypto.JWK `json:"sender_ecdh_public_key,omitempty"`
	ReceiverPublicKey   *webcrypto.JWK `json:"receiver_public_key,omitempty"`
}

// envelopeSchema pins the wire shape. Validation failures are client bugs
// worth reporting precisely, before any key material is touched.
const envelopeSchema = `{
	"type": "object",
	"required": ["encrypted_payload", "encrypted_aes_key", "iv"],
	"properties": {
		"encrypted_payload": {"type": "string", "minLength": 1},
		"encrypted_aes_key": {"type": "string", "minLength": 1},
		"iv": {"type": "string", "minLength": 1},
		"sender_public_key": {"type": "object"},
		"sender_ecdh_public_key": {"type": "object"},
		"receiver_public_key": {"type": "object"}
	}
}`

var schema = gojsonschema.NewStringLoader(envelopeSchema)

// IsEnvelope reports whether a submission body is the encrypted form. The
// two wire forms are distinguished by the presence of encrypted_payload;
// the decision is made here, at the boundary, so handlers dispatch on a
// parsed variant rather than sniffing content downstream.
func IsEnvelope(body []byte) bool {
	var probe struct {
		EncryptedPayload string `json:"encrypted_payload"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.EncryptedPayload != ""
}

// Parse validates and decodes an envelope from a request body.
func Parse(body []byte) (*Envelope, error) {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, result.Errors()[0].String())
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// PeerKey returns the ECDH peer used for key agreement: the ephemeral
// sender key on the transaction path, the receiver key on the ledger path.
func (e *Envelope) PeerKey() (*ecdh.PublicKey, error) {
	jwk := e.SenderECDHPublicKey
	if jwk == nil {
		jwk = e.ReceiverPublicKey
	}
	if jwk == nil {
		return nil, fmt.Errorf("%w: no ECDH peer key", ErrMalformed)
	}
	pub, err := jwk.ECDHPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", ErrMalformed, err)
	}
	return pub, nil
}

// Open decrypts the envelope with the endpoint's long-lived ECDH key.
//
// The wrapped-key blob is 12 bytes of IV followed by the GCM ciphertext of
// the 32-byte inner key; the wrapping key is HKDF-SHA256 over the ECDH
// shared bits with empty salt and the aes-key-wrapping info string. The
// payload then opens under the inner key and the envelope's own IV.
func (e *Envelope) Open(priv *ecdh.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(e.EncryptedAESKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_aes_key is not base64", ErrMalformed)
	}
	if len(wrapped) <= webcrypto.GCMNonceSize {
		return nil, fmt.Errorf("%w: encrypted_aes_key too short to carry an IV", ErrMalformed)
	}
	payload, err := base64.StdEncoding.DecodeString(e.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_payload is not base64", ErrMalformed)
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not base64", ErrMalformed)
	}

	peer, err := e.PeerKey()
	if err != nil {
		return nil, err
	}
	wrapKey, err := webcrypto.DeriveWrappingKey(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	innerKey, err := webcrypto.GCMDecrypt(wrapKey, wrapped[:webcrypto.GCMNonceSize], wrapped[webcrypto.GCMNonceSize:])
	if err != nil {
		return nil, err
	}
	if len(innerKey) != 32 {
		return nil, fmt.Errorf("%w: inner key is %d bytes, want 32", ErrMalformed, len(innerKey))
	}

	return webcrypto.GCMDecrypt(innerKey, iv, payload)
}

// Seal encrypts plaintext for recipient, producing an envelope on the
// ledger path (the ephemeral public key travels as receiver_public_key).
// The bank uses this for tooling and round-trip tests; production
// envelopes come from the front-ends.
func Seal(plaintext []byte, recipient *ecdh.PublicKey) (*Envelope, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	innerKey := make([]byte, 32)
	if _, err := rand.Read(innerKey); err != nil {
		return nil, err
	}

	payloadIV, payloadCT, err := webcrypto.GCMEncrypt(innerKey, plaintext)
	if err != nil {
		return nil, err
	}

	wrapKey, err := webcrypto.DeriveWrappingKey(ephemeral, recipient)
	if err != nil {
		return nil, err
	}
	wrapIV, wrapCT, err := webcrypto.GCMEncrypt(wrapKey, innerKey)
	if err != nil {
		return nil, err
	}

	ephemeralJWK := webcrypto.PublicKeyToJWK(ephemeral.PublicKey())
	return &Envelope{
		EncryptedPayload:  base64.StdEncoding.EncodeToString(payloadCT),
		EncryptedAESKey:   base64.StdEncoding.EncodeToString(append(wrapIV, wrapCT...)),
		IV:                base64.StdEncoding.EncodeToString(payloadIV),
		ReceiverPublicKey: &ephemeralJWK,
	}, nil
}
