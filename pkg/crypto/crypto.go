package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	apperrors "github.com/jwalitptl/mail-dispatch/pkg/errors"
)

// Algorithm is the only payload encryption algorithm the engine supports.
// It is recorded in the message's encryption metadata so future algorithms
// can coexist on the wire.
const Algorithm = "AES-256-GCM"

const keySize = 32

// NormalizeKey stretches or truncates a configured secret to the AES-256 key
// size. Padding a short secret with zero bytes weakens the effective key
// space; this is a compatibility shim for secrets managed as free-form
// strings, not a key-derivation function. Callers should warn when the
// secret is not exactly 32 bytes.
func NormalizeKey(secret string) []byte {
	key := make([]byte, keySize)
	copy(key, secret)
	return key
}

// PayloadCipher encrypts and decrypts template payloads for transport
// through the broker. Output is base64(nonce || ciphertext) so it can be
// embedded in the JSON message body.
type PayloadCipher struct {
	gcm   cipher.AEAD
	keyID string
}

// NewPayloadCipher builds a cipher from a configured secret. The secret is
// normalized to the AES-256 key size; keyID identifies the key in message
// metadata so consumers can detect key mismatches early.
func NewPayloadCipher(secret, keyID string) (*PayloadCipher, error) {
	block, err := aes.NewCipher(NormalizeKey(secret))
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}

	return &PayloadCipher{gcm: gcm, keyID: keyID}, nil
}

// KeyID returns the identifier recorded in encryption metadata.
func (c *PayloadCipher) KeyID() string {
	return c.keyID
}

// EncryptPayload serializes the payload and seals it with a fresh random
// nonce.
func (c *PayloadCipher) EncryptPayload(payload map[string]interface{}) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewInternal(err)
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.NewInternal(err)
	}

	sealed := c.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptPayload reverses EncryptPayload. Any failure (bad encoding,
// truncated input, authentication mismatch) is a non-retryable decryption
// error: a key mismatch will not heal on redelivery.
func (c *PayloadCipher) DecryptPayload(encoded string) (map[string]interface{}, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.NewDecryption(err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, apperrors.NewDecryption(io.ErrUnexpectedEOF)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.NewDecryption(err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, apperrors.NewDecryption(err)
	}
	return payload, nil
}
