package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := NewCipher(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Seal("refresh-token-value", "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "refresh-token-value")

	opened, err := c.Open(sealed, "u1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", opened)
}

func TestCipherUserBinding(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Seal("refresh-token-value", "u1")
	require.NoError(t, err)

	// Opening under a different user id must fail: the user id is bound
	// as associated data.
	_, err = c.Open(sealed, "u2")
	assert.Error(t, err)
}

func TestCipherPlaintextPassthrough(t *testing.T) {
	c := newTestCipher(t)

	opened, err := c.Open("plain-refresh-token", "u1")
	require.NoError(t, err)
	assert.Equal(t, "plain-refresh-token", opened)
}

func TestNilCipher(t *testing.T) {
	var c *Cipher

	sealed, err := c.Seal("value", "u1")
	require.NoError(t, err)
	assert.Equal(t, "value", sealed)

	opened, err := c.Open("value", "u1")
	require.NoError(t, err)
	assert.Equal(t, "value", opened)

	// Sealed data without a key is unreadable, not silently passed through.
	_, err = c.Open(sealedPrefix+"Zm9v", "u1")
	assert.Error(t, err)
}

func TestNewCipherKeyValidation(t *testing.T) {
	c, err := NewCipher("")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = NewCipher("not-base64!!")
	assert.Error(t, err)

	_, err = NewCipher(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestSealDistinctNonces(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Seal("same-value", "u1")
	require.NoError(t, err)
	b, err := c.Seal("same-value", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal must use a fresh nonce")
}
