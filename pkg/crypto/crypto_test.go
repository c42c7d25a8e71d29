package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cipher, err := NewPayloadCipher("test-secret", "key-1")
	require.NoError(t, err)

	payloads := []map[string]interface{}{
		{"user_name": "Ann"},
		{"a": "b", "count": float64(3), "nested": map[string]interface{}{"x": "y"}},
		{},
		{"unicode": "héllo wörld", "empty": ""},
	}

	for _, payload := range payloads {
		sealed, err := cipher.EncryptPayload(payload)
		require.NoError(t, err)
		assert.NotEmpty(t, sealed)

		got, err := cipher.DecryptPayload(sealed)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	cipher, err := NewPayloadCipher("test-secret", "key-1")
	require.NoError(t, err)

	payload := map[string]interface{}{"k": "v"}
	first, err := cipher.EncryptPayload(payload)
	require.NoError(t, err)
	second, err := cipher.EncryptPayload(payload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptWrongKey(t *testing.T) {
	enc, err := NewPayloadCipher("secret-one", "key-1")
	require.NoError(t, err)
	dec, err := NewPayloadCipher("secret-two", "key-2")
	require.NoError(t, err)

	sealed, err := enc.EncryptPayload(map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	_, err = dec.DecryptPayload(sealed)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrDecryption, apperrors.CodeOf(err))
}

func TestDecryptMalformedInput(t *testing.T) {
	cipher, err := NewPayloadCipher("test-secret", "key-1")
	require.NoError(t, err)

	cases := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"empty", ""},
		{"shorter than nonce", "YWJj"},
		{"garbage ciphertext", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cipher.DecryptPayload(tc.input)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrDecryption, apperrors.CodeOf(err))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	short := NormalizeKey("abc")
	assert.Len(t, short, 32)
	assert.Equal(t, byte('a'), short[0])
	assert.Equal(t, byte(0), short[3])

	exact := NormalizeKey("0123456789abcdef0123456789abcdef")
	assert.Len(t, exact, 32)

	long := NormalizeKey("0123456789abcdef0123456789abcdefEXTRA")
	assert.Len(t, long, 32)
	assert.Equal(t, exact, long)
}
