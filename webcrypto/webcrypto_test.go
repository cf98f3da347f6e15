package webcrypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA256Hex(t *testing.T) {
	// Known vector for the empty string.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	digest := SHA256([]byte("canonical transaction bytes"))
	sig, err := SignP1363(priv, digest[:])
	require.NoError(t, err)
	require.Len(t, sig, P1363SignatureSize)

	assert.NoError(t, VerifyP1363(&priv.PublicKey, sig, digest[:]))

	// Tampered digest fails.
	bad := digest
	bad[0] ^= 0x01
	assert.ErrorIs(t, VerifyP1363(&priv.PublicKey, sig, bad[:]), ErrSignatureInvalid)
}

func TestVerifyRejectsDER(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	digest := SHA256([]byte("payload"))
	sig, err := SignP1363(priv, digest[:])
	require.NoError(t, err)

	// Re-encode the same signature as DER; it must be rejected even
	// though it is mathematically valid.
	der, err := asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(sig[:32]),
		S: new(big.Int).SetBytes(sig[32:]),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyP1363(&priv.PublicKey, der, digest[:]), ErrSignatureInvalid)
}

func TestGCMRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte(`{"txn_id":"T1"}`)
	iv, ct, err := GCMEncrypt(key, plaintext)
	require.NoError(t, err)
	require.Len(t, iv, GCMNonceSize)

	got, err := GCMDecrypt(key, iv, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestGCMTamperFails(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	iv, ct, err := GCMEncrypt(key, []byte("secret"))
	require.NoError(t, err)

	ct[0] ^= 0xff
	_, err = GCMDecrypt(key, iv, ct)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	// Wrong key is the same failure mode as corruption.
	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)
	iv2, ct2, err := GCMEncrypt(key, []byte("secret"))
	require.NoError(t, err)
	_, err = GCMDecrypt(other, iv2, ct2)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDeriveWrappingKeyAgreement(t *testing.T) {
	a, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	b, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	kab, err := DeriveWrappingKey(a, b.PublicKey())
	require.NoError(t, err)
	kba, err := DeriveWrappingKey(b, a.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, kab, kba)
	assert.Len(t, kab, 32)
}

func TestJWKRoundTrip(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	pubJWK := PublicKeyToJWK(priv.PublicKey())
	back, err := pubJWK.ECDHPublicKey()
	require.NoError(t, err)
	assert.True(t, priv.PublicKey().Equal(back))

	privJWK := PrivateKeyToJWK(priv)
	backPriv, err := privJWK.ECDHPrivateKey()
	require.NoError(t, err)
	assert.True(t, priv.Equal(backPriv))
}

func TestJWKECDSAInterop(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ec, err := priv.PublicKey.ECDH()
	require.NoError(t, err)
	jwk := PublicKeyToJWK(ec)

	pub, err := jwk.ECDSAPublicKey()
	require.NoError(t, err)

	digest := SHA256([]byte("interop"))
	sig, err := SignP1363(priv, digest[:])
	require.NoError(t, err)
	assert.NoError(t, VerifyP1363(pub, sig, digest[:]))
}

func TestJWKValidation(t *testing.T) {
	cases := []struct {
		name string
		jwk  JWK
	}{
		{"wrong kty", JWK{Kty: "RSA", Crv: "P-256", X: "AA", Y: "AA"}},
		{"wrong curve", JWK{Kty: "EC", Crv: "P-384", X: "AA", Y: "AA"}},
		{"missing x", JWK{Kty: "EC", Crv: "P-256", Y: "AA"}},
		{"off curve", JWK{Kty: "EC", Crv: "P-256", X: "AQ", Y: "AQ"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.jwk.ECDSAPublicKey()
			assert.Error(t, err)
		})
	}
}
