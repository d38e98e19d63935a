package sessionstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	badger, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badger.Close() })

	return map[string]Store{
		"file":   NewFileStore(t.TempDir()),
		"badger": badger,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Read(ctx, "u1")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Write(ctx, "u1", "session-a"))
			got, err := store.Read(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, "session-a", got)

			// Overwrite on reconnect.
			require.NoError(t, store.Write(ctx, "u1", "session-b"))
			got, err = store.Read(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, "session-b", got)

			require.NoError(t, store.Delete(ctx, "u1"))
			_, err = store.Read(ctx, "u1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Delete(ctx, "missing"))
			require.NoError(t, store.Delete(ctx, "missing"))
		})
	}
}

func TestStoreRejectsEmptyUserID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Write(context.Background(), "  ", "x")
			require.Error(t, err)
			assert.ErrorContains(t, err, "user id is empty")
		})
	}
}

func TestStoreConcurrentWritersLastWins(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			values := []string{"a", "b", "c", "d", "e"}

			var wg sync.WaitGroup
			for _, v := range values {
				wg.Add(1)
				go func(v string) {
					defer wg.Done()
					assert.NoError(t, store.Write(ctx, "u1", v))
				}(v)
			}
			wg.Wait()

			got, err := store.Read(ctx, "u1")
			require.NoError(t, err)
			assert.Contains(t, values, got)
		})
	}
}

func TestFileStorePermissionsAndLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sessions")
	store := NewFileStore(root)

	require.NoError(t, store.Write(context.Background(), "../../etc/passwd", "secret"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(sessionFileMod), info.Mode().Perm())
	assert.Equal(t, sessionExt, filepath.Ext(entries[0].Name()))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown session store backend")
}
