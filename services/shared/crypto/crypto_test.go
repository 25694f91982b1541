package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"provider":"github","nonce":"abc"}`)
	sealed, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipher_NoncesDiffer(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b))
}

func TestCipher_RejectsTamperedCiphertext(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestCipher_RejectsTruncatedCiphertext(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	_, err = c.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestCipher_RejectsWrongKey(t *testing.T) {
	c1, err := New(testKey(t))
	require.NoError(t, err)
	c2, err := New(testKey(t))
	require.NoError(t, err)

	sealed, err := c1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestNew_InvalidKeySize(t *testing.T) {
	_, err := New([]byte("too short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestNewFromHex(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		_, err := NewFromHex("6368616e676520746869732070617373776f726420746f206120736563726574")
		assert.NoError(t, err)
	})

	t.Run("not hex", func(t *testing.T) {
		_, err := NewFromHex("zz")
		assert.Error(t, err)
	})
}

func TestConstantTimeCompare(t *testing.T) {
	assert.True(t, ConstantTimeCompare("nonce-a", "nonce-a"))
	assert.False(t, ConstantTimeCompare("nonce-a", "nonce-b"))
	assert.False(t, ConstantTimeCompare("nonce-a", "nonce-a-longer"))
	assert.True(t, ConstantTimeCompare("", ""))
}
