package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/state"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewCipher(t *testing.T) {
	t.Run("valid key sizes", func(t *testing.T) {
		for _, size := range []int{16, 24, 32} {
			cipher, err := NewCipher(make([]byte, size))
			require.NoError(t, err)
			assert.NotEmpty(t, cipher.KeyID())
		}
	})

	t.Run("invalid key size", func(t *testing.T) {
		_, err := NewCipher(make([]byte, 20))
		assert.ErrorIs(t, err, ErrInvalidMasterKey)
	})

	t.Run("key id is stable per key", func(t *testing.T) {
		first, err := NewCipher(testMasterKey)
		require.NoError(t, err)
		second, err := NewCipher(testMasterKey)
		require.NoError(t, err)
		assert.Equal(t, first.KeyID(), second.KeyID())

		other, err := NewCipher([]byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		assert.NotEqual(t, first.KeyID(), other.KeyID())
	})
}

func TestCipher_SealOpen(t *testing.T) {
	cipher, err := NewCipher(testMasterKey)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := cipher.Seal("sk-upstream-secret")
		require.NoError(t, err)
		assert.NotContains(t, sealed, "upstream")

		opened, err := cipher.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, "sk-upstream-secret", opened)
	})

	t.Run("nonce makes ciphertexts distinct", func(t *testing.T) {
		first, err := cipher.Seal("same-plaintext")
		require.NoError(t, err)
		second, err := cipher.Seal("same-plaintext")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("empty plaintext", func(t *testing.T) {
		sealed, err := cipher.Seal("")
		require.NoError(t, err)
		assert.Empty(t, sealed)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		_, err := cipher.Open("c2hvcnQ=")
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})

	t.Run("wrong key fails authentication", func(t *testing.T) {
		sealed, err := cipher.Seal("sk-upstream-secret")
		require.NoError(t, err)

		other, err := NewCipher([]byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		_, err = other.Open(sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestGenerateMasterKey(t *testing.T) {
	encoded, err := GenerateMasterKey(32)
	require.NoError(t, err)

	cipher, err := NewCipherFromString(encoded)
	require.NoError(t, err)
	assert.NotEmpty(t, cipher.KeyID())

	_, err = GenerateMasterKey(20)
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	cipher, err := NewCipher(testMasterKey)
	require.NoError(t, err)
	manager, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)
	return New(manager, cipher, zap.NewNop().Sugar())
}

func TestVault_StoreAndResolve(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.StoreKey(ctx, "tenant-1", "openai", "sk-tenant-own-key"))

	key, err := vault.Key(ctx, "tenant-1", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-tenant-own-key", key)

	t.Run("missing key reads as empty", func(t *testing.T) {
		key, err := vault.Key(ctx, "tenant-2", "openai")
		require.NoError(t, err)
		assert.Empty(t, key)
	})

	t.Run("providers are scoped", func(t *testing.T) {
		key, err := vault.Key(ctx, "tenant-1", "anthropic")
		require.NoError(t, err)
		assert.Empty(t, key)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, vault.DeleteKey(ctx, "tenant-1", "openai"))
		key, err := vault.Key(ctx, "tenant-1", "openai")
		require.NoError(t, err)
		assert.Empty(t, key)
	})
}

func TestVault_StoredBlobIsSealed(t *testing.T) {
	cipher, err := NewCipher(testMasterKey)
	require.NoError(t, err)
	manager, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)
	vault := New(manager, cipher, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, vault.StoreKey(ctx, "tenant-1", "openai", "sk-tenant-own-key"))

	raw, err := manager.Get(ctx, "watchllm:vault:tenant-1:openai")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.False(t, strings.Contains(string(raw), "sk-tenant-own-key"))
	assert.Contains(t, string(raw), cipher.KeyID())
}
