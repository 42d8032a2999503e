package keys

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/restodesk/internal/auth"
	"github.com/wolfeidau/restodesk/internal/authz"
)

func TestNewStore(t *testing.T) {
	t.Run("creates directory with correct permissions", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "keys")

		store, err := NewStore(dir)
		require.NoError(t, err)
		assert.NotNil(t, store)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	})

	t.Run("creates config.json on initialization", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewStore(dir)
		require.NoError(t, err)

		cfg, err := store.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.Version)
		assert.Empty(t, cfg.DefaultKey)
		assert.Empty(t, cfg.Keys)
	})
}

func TestStore_Create(t *testing.T) {
	t.Run("writes key files with correct permissions", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewStore(dir)
		require.NoError(t, err)

		key, err := store.Create("sucursal-centro")
		require.NoError(t, err)
		assert.Equal(t, "sucursal-centro", key.Name)
		assert.NotEmpty(t, key.Fingerprint)
		assert.WithinDuration(t, time.Now(), key.CreatedAt, time.Minute)

		info, err := os.Stat(filepath.Join(dir, "sucursal-centro.key"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		info, err = os.Stat(filepath.Join(dir, "sucursal-centro.pub"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
	})

	t.Run("fingerprint matches the public key", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		key, err := store.Create("main")
		require.NoError(t, err)

		publicPEM, err := store.LoadPublicKeyPEM("main")
		require.NoError(t, err)

		block, _ := pem.Decode([]byte(publicPEM))
		require.NotNil(t, block)
		_, err = x509.ParsePKIXPublicKey(block.Bytes)
		require.NoError(t, err)

		assert.Equal(t, Fingerprint(block.Bytes), key.Fingerprint)
	})

	t.Run("first key becomes default", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Create("first")
		require.NoError(t, err)
		_, err = store.Create("second")
		require.NoError(t, err)

		def, err := store.GetDefault()
		require.NoError(t, err)
		assert.Equal(t, "first", def.Name)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Create("main")
		require.NoError(t, err)

		_, err = store.Create("main")
		require.ErrorIs(t, err, ErrKeyExists)
	})

	t.Run("rejects unsafe names", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		for _, name := range []string{"", "../escape", "a/b", "config", "with.dot"} {
			_, err = store.Create(name)
			require.ErrorIs(t, err, ErrInvalidName, name)
		}
	})
}

func TestStore_ListAndDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := store.Create(name)
		require.NoError(t, err)
	}

	keys, err := store.List()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "alpha", keys[0].Name)
	assert.Equal(t, "mid", keys[1].Name)
	assert.Equal(t, "zeta", keys[2].Name)

	require.True(t, store.IsDefault("zeta"))
	require.NoError(t, store.Delete("zeta"))

	_, err = store.GetDefault()
	require.ErrorIs(t, err, ErrNoDefaultKey)

	_, err = os.Stat(filepath.Join(dir, "zeta.key"))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.ErrorIs(t, store.Delete("zeta"), ErrKeyNotFound)
}

func TestStore_SetDefaultAndResolve(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Resolve("")
	require.ErrorIs(t, err, ErrNoDefaultKey)

	_, err = store.Create("a")
	require.NoError(t, err)
	_, err = store.Create("b")
	require.NoError(t, err)

	require.ErrorIs(t, store.SetDefault("missing"), ErrKeyNotFound)
	require.NoError(t, store.SetDefault("b"))

	key, err := store.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "b", key.Name)

	key, err = store.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", key.Name)
}

func TestStore_KeysSignAndVerifyTokens(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("main")
	require.NoError(t, err)

	privatePEM, err := store.LoadPrivateKeyPEM("main")
	require.NoError(t, err)
	publicPEM, err := store.LoadPublicKeyPEM("main")
	require.NoError(t, err)

	token, err := auth.IssueToken(privatePEM, "marta", []string{authz.RoleCajero}, authz.DefaultRoleTable(), time.Hour)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(publicPEM)
	require.NoError(t, err)

	p, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "marta", p.Subject)
	assert.True(t, p.HasPermission(authz.PermCajasAbrir))
}
