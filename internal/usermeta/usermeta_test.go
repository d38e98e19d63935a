package usermeta

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "meta", "users.yaml"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "u1")
			require.ErrorIs(t, err, ErrNotFound)

			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			md := Metadata{PhoneNumber: "+15551234567", Verified: true, ConnectedAt: now, UpdatedAt: now}
			require.NoError(t, store.Save(ctx, "u1", md))
			require.NoError(t, store.Save(ctx, "u2", Metadata{PhoneNumber: "+2"}))

			got, err := store.Load(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, md.PhoneNumber, got.PhoneNumber)
			assert.True(t, got.Verified)
			assert.True(t, got.ConnectedAt.Equal(now))

			require.NoError(t, store.Clear(ctx, "u1"))
			require.NoError(t, store.Clear(ctx, "u1"))
			_, err = store.Load(ctx, "u1")
			require.ErrorIs(t, err, ErrNotFound)

			_, err = store.Load(ctx, "u2")
			require.NoError(t, err)
		})
	}
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), "u1", Metadata{PhoneNumber: "+1"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(metaFileMode), info.Mode().Perm())
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [not a map"), 0o600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "parse metadata file")
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("file", "")
	require.Error(t, err)

	_, err = Open("mongo", "")
	require.Error(t, err)
}
