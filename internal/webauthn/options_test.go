package webauthn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCreationOptions_TextFields(t *testing.T) {
	raw := json.RawMessage(`{
		"challenge": "AAA",
		"rp": {"id": "seal.example.com", "name": "Seal"},
		"user": {"id": "QUI", "name": "device", "displayName": "Device"},
		"pubKeyCredParams": [{"type": "public-key", "alg": -7}],
		"excludeCredentials": [
			{"type": "public-key", "id": "Y3JlZDE"}
		]
	}`)

	opts, err := NormalizeCreationOptions(raw)
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0}, []byte(opts.Challenge))
	assert.Equal(t, []byte("AB"), []byte(opts.User.ID))
	require.Len(t, opts.ExcludeCredentials, 1)
	assert.Equal(t, []byte("cred1"), []byte(opts.ExcludeCredentials[0].ID))
	assert.Equal(t, "seal.example.com", opts.RP.ID)
	require.Len(t, opts.PubKeyCredParams, 1)
	assert.Equal(t, AlgES256, opts.PubKeyCredParams[0].Alg)
}

func TestNormalizeCreationOptions_BinaryFieldsUntouched(t *testing.T) {
	// A server that already sends binary-typed fields: byte arrays pass
	// through without a second decode.
	raw := json.RawMessage(`{
		"challenge": [1, 2, 3],
		"user": {"id": [65, 66]},
		"excludeCredentials": [{"type": "public-key", "id": [9]}]
	}`)

	opts, err := NormalizeCreationOptions(raw)
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3}, []byte(opts.Challenge))
	assert.Equal(t, []byte{65, 66}, []byte(opts.User.ID))
	assert.Equal(t, []byte{9}, []byte(opts.ExcludeCredentials[0].ID))
}

func TestNormalizeCreationOptions_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{{`},
		{name: "missing challenge", raw: `{"user": {"id": "QUI"}}`},
		{name: "missing user id", raw: `{"challenge": "AAA"}`},
		{name: "malformed challenge", raw: `{"challenge": "!!!", "user": {"id": "QUI"}}`},
		{name: "exclude entry without id", raw: `{"challenge": "AAA", "user": {"id": "QUI"}, "excludeCredentials": [{"type": "public-key"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeCreationOptions(json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestNormalizeRequestOptions(t *testing.T) {
	raw := json.RawMessage(`{
		"challenge": "AAA",
		"rpId": "seal.example.com",
		"userVerification": "required",
		"allowCredentials": [
			{"type": "public-key", "id": "Y3JlZDE", "transports": ["internal"]}
		]
	}`)

	opts, err := NormalizeRequestOptions(raw)
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0}, []byte(opts.Challenge))
	require.Len(t, opts.AllowCredentials, 1)
	assert.Equal(t, []byte("cred1"), []byte(opts.AllowCredentials[0].ID))
	assert.Equal(t, VerificationRequired, opts.UserVerification)
}

func TestNormalizeRequestOptions_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "missing challenge", raw: `{"allowCredentials": []}`},
		{name: "allow entry without id", raw: `{"challenge": "AAA", "allowCredentials": [{"type": "public-key"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeRequestOptions(json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}
