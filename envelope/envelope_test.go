package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeypair(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	bank := newKeypair(t)

	plaintext := []byte(`{"entries":[],"receiver_id":"bob"}`)
	env, err := Seal(plaintext, bank.PublicKey())
	require.NoError(t, err)

	got, err := env.Open(bank)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenWrongRecipient(t *testing.T) {
	bank := newKeypair(t)
	other := newKeypair(t)

	env, err := Seal([]byte("for the bank only"), bank.PublicKey())
	require.NoError(t, err)

	_, err = env.Open(other)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenTamperedPayload(t *testing.T) {
	bank := newKeypair(t)

	env, err := Seal([]byte("payload"), bank.PublicKey())
	require.NoError(t, err)

	ct, err := base64.StdEncoding.DecodeString(env.EncryptedPayload)
	require.NoError(t, err)
	ct[0] ^= 0xff
	env.EncryptedPayload = base64.StdEncoding.EncodeToString(ct)

	_, err = env.Open(bank)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{}`,
		`{"encrypted_payload":"QQ=="}`,
		`{"encrypted_payload":"QQ==","iv":"QQ=="}`,
		`{"encrypted_aes_key":"QQ==","iv":"QQ=="}`,
	}
	for _, body := range cases {
		_, err := Parse([]byte(body))
		assert.ErrorIs(t, err, ErrMalformed, "body %s", body)
	}
}

func TestParseRoundTrip(t *testing.T) {
	bank := newKeypair(t)
	env, err := Seal([]byte("x"), bank.PublicKey())
	require.NoError(t, err)

	body, err := json.Marshal(env)
	require.NoError(t, err)

	parsed, err := Parse(body)
	require.NoError(t, err)
	got, err := parsed.Open(bank)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestOpenMalformedBase64(t *testing.T) {
	bank := newKeypair(t)
	env := &Envelope{
		EncryptedPayload: "not base64!!!",
		EncryptedAESKey:  "also not$$",
		IV:               "nor this",
	}
	_, err := env.Open(bank)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenShortWrappedKey(t *testing.T) {
	bank := newKeypair(t)
	env := &Envelope{
		EncryptedPayload: base64.StdEncoding.EncodeToString([]byte("ct")),
		EncryptedAESKey:  base64.StdEncoding.EncodeToString([]byte("short")),
		IV:               base64.StdEncoding.EncodeToString(make([]byte, 12)),
	}
	_, err := env.Open(bank)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenMissingPeerKey(t *testing.T) {
	bank := newKeypair(t)
	env, err := Seal([]byte("x"), bank.PublicKey())
	require.NoError(t, err)
	env.ReceiverPublicKey = nil

	_, err = env.Open(bank)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestIsEnvelope(t *testing.T) {
	assert.True(t, IsEnvelope([]byte(`{"encrypted_payload":"QQ==","encrypted_aes_key":"QQ==","iv":"QQ=="}`)))
	assert.False(t, IsEnvelope([]byte(`[{"ledger_index":0}]`)))
	assert.False(t, IsEnvelope([]byte(`{"ledger":{"entries":[]}}`)))
	assert.False(t, IsEnvelope([]byte(`not json`)))
}
