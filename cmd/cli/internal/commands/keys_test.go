package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/restodesk/cmd/cli/internal/keys"
)

func TestKeysCreateCmd_Run(t *testing.T) {
	dir := t.TempDir()

	cmd := &KeysCreateCmd{Name: "main", KeysDir: dir}
	require.NoError(t, cmd.Run(context.Background(), &Globals{}))

	_, err := os.Stat(filepath.Join(dir, "main.key"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "main.pub"))
	require.NoError(t, err)

	store, err := keys.NewStore(dir)
	require.NoError(t, err)

	key, err := store.GetDefault()
	require.NoError(t, err)
	assert.Equal(t, "main", key.Name)
}

func TestKeysCreateCmd_Duplicate(t *testing.T) {
	dir := t.TempDir()

	cmd := &KeysCreateCmd{Name: "main", KeysDir: dir}
	require.NoError(t, cmd.Run(context.Background(), &Globals{}))

	err := cmd.Run(context.Background(), &Globals{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestTokenCmd_Run(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, (&KeysCreateCmd{Name: "main", KeysDir: dir}).Run(context.Background(), &Globals{}))

	t.Run("known role", func(t *testing.T) {
		cmd := &TokenCmd{Subject: "lucia", Role: []string{"atencion"}, KeysDir: dir}
		require.NoError(t, cmd.Run(context.Background(), &Globals{}))
	})

	t.Run("unknown role", func(t *testing.T) {
		cmd := &TokenCmd{Subject: "lucia", Role: []string{"sommelier"}, KeysDir: dir}
		err := cmd.Run(context.Background(), &Globals{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown role")
	})

	t.Run("missing key", func(t *testing.T) {
		cmd := &TokenCmd{Subject: "lucia", Role: []string{"atencion"}, KeysDir: t.TempDir()}
		err := cmd.Run(context.Background(), &Globals{})
		require.ErrorIs(t, err, keys.ErrNoDefaultKey)
	})
}
