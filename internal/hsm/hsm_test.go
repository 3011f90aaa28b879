package hsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := New(nil)
	require.NoError(t, svc.GenerateKey(ctx, "card-key", Algorithm))

	plaintext := []byte("4532015112830366|12|2030")
	aad := []byte("token:9123456789012366")

	ciphertext, nonce, version, err := svc.Encrypt(ctx, "card-key", plaintext, aad)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	decrypted, err := svc.Decrypt(ctx, "card-key", ciphertext, nonce, aad, version)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongAADFails(t *testing.T) {
	ctx := context.Background()
	svc := New(nil)
	require.NoError(t, svc.GenerateKey(ctx, "card-key", Algorithm))

	ciphertext, nonce, version, err := svc.Encrypt(ctx, "card-key", []byte("secret"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = svc.Decrypt(ctx, "card-key", ciphertext, nonce, []byte("aad-b"), version)
	require.Error(t, err)
	var se *gwerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "DECRYPTION_FAILED", se.Code)
}

func TestRotationPreservesOldVersions(t *testing.T) {
	ctx := context.Background()
	svc := New(nil)
	require.NoError(t, svc.GenerateKey(ctx, "card-key", Algorithm))

	ciphertext, nonce, v1, err := svc.Encrypt(ctx, "card-key", []byte("payload-v1"), nil)
	require.NoError(t, err)

	newVersion, oldVersion, err := svc.RotateKey(ctx, "card-key")
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)
	assert.Equal(t, 1, oldVersion)

	// A second rotation still leaves version 1 decryptable.
	_, _, err = svc.RotateKey(ctx, "card-key")
	require.NoError(t, err)

	plaintext, err := svc.Decrypt(ctx, "card-key", ciphertext, nonce, nil, v1)
	require.NoError(t, err)
	assert.Equal(t, "payload-v1", string(plaintext))
}

func TestDecryptInvalidVersion(t *testing.T) {
	ctx := context.Background()
	svc := New(nil)
	require.NoError(t, svc.GenerateKey(ctx, "card-key", Algorithm))

	_, err := svc.Decrypt(ctx, "card-key", []byte("x"), []byte("y"), nil, 99)
	require.Error(t, err)
	var se *gwerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "INVALID_KEY_VERSION", se.Code)
}

func TestAuditLogNeverContainsKeyMaterial(t *testing.T) {
	ctx := context.Background()
	svc := New(nil)
	require.NoError(t, svc.GenerateKey(ctx, "card-key", Algorithm))
	_, _, _, err := svc.Encrypt(ctx, "card-key", []byte("secret-pan-data"), nil)
	require.NoError(t, err)

	for _, entry := range svc.AuditLog() {
		assert.NotContains(t, entry.Error, "secret-pan-data")
	}
}
