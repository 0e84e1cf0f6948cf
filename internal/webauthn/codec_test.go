package webauthn

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{name: "empty", in: []byte{}},
		{name: "single byte", in: []byte{0x00}},
		{name: "ascii", in: []byte("hello webauthn")},
		{name: "high bytes", in: []byte{0xff, 0xfe, 0xfd, 0xfc}},
		{name: "url-unsafe base64 chars", in: []byte{0xfb, 0xef, 0xbe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Decode(Encode(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.in, out)
		})
	}
}

func TestEncodeDecode_RoundTripRandom(t *testing.T) {
	for size := 0; size < 64; size++ {
		buf := make([]byte, size)
		rand.Read(buf)
		out, err := Decode(Encode(buf))
		require.NoError(t, err)
		require.Equal(t, buf, out, "size %d", size)
	}
}

func TestEncode_NoPaddingOrUnsafeChars(t *testing.T) {
	s := Encode([]byte{0xfb, 0xef, 0xbe, 0xff, 0x00})
	assert.NotContains(t, s, "=")
	assert.NotContains(t, s, "+")
	assert.NotContains(t, s, "/")
}

func TestDecode_AcceptsPaddedInput(t *testing.T) {
	out, err := Decode("QUI=")
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), out)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "invalid characters", in: "not!valid"},
		{name: "impossible length", in: "AAAAA"},
		{name: "standard base64 chars", in: "a+b/c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestURLBytes_UnmarshalText(t *testing.T) {
	var b URLBytes
	require.NoError(t, json.Unmarshal([]byte(`"QUI"`), &b))
	assert.Equal(t, URLBytes("AB"), b)
}

func TestURLBytes_UnmarshalByteArray(t *testing.T) {
	var b URLBytes
	require.NoError(t, json.Unmarshal([]byte(`[65, 66, 67]`), &b))
	assert.Equal(t, URLBytes("ABC"), b)
}

func TestURLBytes_UnmarshalNull(t *testing.T) {
	b := URLBytes("stale")
	require.NoError(t, json.Unmarshal([]byte(`null`), &b))
	assert.Nil(t, []byte(b))
}

func TestURLBytes_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "malformed base64url", in: `"!!!"`},
		{name: "value out of range", in: `[65, 300]`},
		{name: "negative value", in: `[-1]`},
		{name: "wrong type", in: `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b URLBytes
			assert.Error(t, json.Unmarshal([]byte(tt.in), &b))
		})
	}
}

func TestURLBytes_MarshalRoundTrip(t *testing.T) {
	in := URLBytes{0xde, 0xad, 0xbe, 0xef}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `"3q2-7w"`, string(data))

	var out URLBytes
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
