package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersAtIsVerifiable(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "s3cret"}
	h := auth.HeadersAt("POST", "/v1/orders", `{"qty":1}`, 1700000000)

	assert.Equal(t, "key-1", h[HeaderAPIKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.True(t, Verify([]byte("s3cret"), h[HeaderSignature], "1700000000", "POST", "/v1/orders", `{"qty":1}`))
	assert.False(t, Verify([]byte("s3cret"), h[HeaderSignature], "1700000000", "POST", "/v1/orders", `{"qty":2}`))
}

func TestStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "abcdefgh", Secret: "topsecretvalue"}
	assert.NotContains(t, auth.String(), "topsecretvalue")
	assert.NotContains(t, auth.String(), "efgh")
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("broker-secret", "pw")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "broker-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadSecret(SecretConfig{})
	assert.Error(t, err)
}
