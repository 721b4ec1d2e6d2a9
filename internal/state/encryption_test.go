package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergo-io/convergo/internal/ir"
)

func TestEncryptState_NoKeyPassesThrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte(`{"version":1}`)
	out, err := EncryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.False(t, IsEncrypted(out))
}

func TestEncryptState_RoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse battery staple")

	content := []byte(`{"version":1,"serial":4}`)
	encrypted, err := EncryptState(content)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "serial")

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)
}

func TestDecryptState_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte(`{"version":1}`))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "key-two")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestDecryptState_MissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "secret")
	encrypted, err := EncryptState([]byte(`{"version":1}`))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestDecryptState_PlaintextPassesThrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "secret")

	content := []byte(`{"version":1}`)
	out, err := DecryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestLocalBackend_EncryptedOnDisk(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "state-at-rest-key")

	path := filepath.Join(t.TempDir(), "state.json")
	b := NewLocalBackend(path)
	ctx := context.Background()

	state, err := b.Read(ctx)
	require.NoError(t, err)
	state.Resources = append(state.Resources, &ir.ResourceState{
		Type: "null:Resource", Name: "secret-holder", Provider: "null",
		Inputs: map[string]any{"token": "hunter2"},
	})
	require.NoError(t, b.Write(ctx, state))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "hunter2")

	got, err := b.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "hunter2", got.Resources[0].Inputs["token"])
}
