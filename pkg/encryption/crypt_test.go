package encryption

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/benmeehan/boxrelay/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionManager_RoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "audit.key")
	require.NoError(t, os.WriteFile(keyPath, bytes.Repeat([]byte{7}, 32), 0600))

	m := NewEncryptionManager(file.NewFileService())
	require.NoError(t, m.Initialize(keyPath))

	sealed, err := m.EncryptString([]byte(`{"cmd":"ls"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "cmd")

	plain, err := m.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"ls"}`, string(plain))
}

func TestEncryptionManager_Errors(t *testing.T) {
	m := NewEncryptionManager(file.NewFileService())

	_, err := m.Encrypt([]byte("x"))
	assert.EqualError(t, err, "encryption manager not initialized")

	assert.Error(t, m.SetKey([]byte("short")))

	require.NoError(t, m.SetKey(bytes.Repeat([]byte{1}, 32)))
	_, err = m.Decrypt([]byte("tiny"))
	assert.Error(t, err)

	_, err = m.DecryptString("!!not-base64!!")
	assert.Error(t, err)
}
