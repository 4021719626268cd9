package keychain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, plain := range []string{"", "hunter2", "access-code-1234", "ключ"} {
		sealed, err := c.Encrypt(plain)
		require.NoError(t, err)
		require.NotEqual(t, plain, sealed)

		got, ok := c.Decrypt(sealed)
		require.True(t, ok)
		require.Equal(t, plain, got)
	}
}

func TestKeyPersistsAcrossOpens(t *testing.T) {
	var dir = t.TempDir()

	c1, err := Open(dir)
	require.NoError(t, err)
	sealed, err := c1.Encrypt("secret")
	require.NoError(t, err)

	c2, err := Open(dir)
	require.NoError(t, err)
	got, ok := c2.Decrypt(sealed)
	require.True(t, ok)
	require.Equal(t, "secret", got)
}

func TestDecryptFailureReturnsNotOK(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)

	_, ok := c.Decrypt("not base64 at all!!!")
	require.False(t, ok)

	_, ok = c.Decrypt("")
	require.False(t, ok)

	// Ciphertext from a different key fails authentication.
	other, err := Open(t.TempDir())
	require.NoError(t, err)
	sealed, err := other.Encrypt("secret")
	require.NoError(t, err)
	_, ok = c.Decrypt(sealed)
	require.False(t, ok)
}

func TestKeyFileCreatedOnFirstRun(t *testing.T) {
	var dir = t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
