package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digest(data []byte) string {
	h := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(h[:])
}

func backends(t *testing.T) map[string]Archive {
	t.Helper()

	local, err := NewLocalArchive(t.TempDir(), LocalOptions{CacheBytes: 1 << 20, Compression: true})
	require.NoError(t, err)

	uncached, err := NewLocalArchive(t.TempDir(), LocalOptions{})
	require.NoError(t, err)

	bdb, err := NewBadgerArchive(BadgerOptions{InMemory: true, Compression: true})
	require.NoError(t, err)

	all := map[string]Archive{
		"memory":         NewMemoryArchive(),
		"local":          local,
		"local_uncached": uncached,
		"badger":         bdb,
	}
	t.Cleanup(func() {
		for _, a := range all {
			a.Close()
		}
	})
	return all
}

func TestArchive_PutGet(t *testing.T) {
	ctx := context.Background()
	small := []byte(`{"x":1}`)
	large := bytes.Repeat([]byte(`{"nested":{"k":"v"}}`), 200)

	for name, a := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, data := range [][]byte{small, large} {
				d := digest(data)

				ok, err := a.Has(ctx, d)
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, a.Put(ctx, d, data))
				require.NoError(t, a.Put(ctx, d, data), "put is idempotent")

				ok, err = a.Has(ctx, d)
				require.NoError(t, err)
				assert.True(t, ok)

				got, err := a.Get(ctx, d)
				require.NoError(t, err)
				assert.Equal(t, data, got)

				// Returned bytes are owned by the caller.
				got[0] = 'X'
				again, err := a.Get(ctx, d)
				require.NoError(t, err)
				assert.Equal(t, data, again)
			}
		})
	}
}

func TestArchive_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	a1 := []byte(`{"a":1}`)
	a2 := []byte(`{"a":2}`)

	for name, a := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.Put(ctx, digest(a1), a1))
			require.NoError(t, a.Put(ctx, digest(a2), a2))

			digests, err := a.Digests(ctx)
			require.NoError(t, err)
			sort.Strings(digests)
			want := []string{digest(a1), digest(a2)}
			sort.Strings(want)
			assert.Equal(t, want, digests)

			require.NoError(t, a.Delete(ctx, digest(a1)))
			require.NoError(t, a.Delete(ctx, digest(a1)), "delete of missing object is a no-op")

			_, err = a.Get(ctx, digest(a1))
			assert.ErrorIs(t, err, ErrNotFound)

			digests, err = a.Digests(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{digest(a2)}, digests)
		})
	}
}

func TestNewBadgerArchive_RequiresPath(t *testing.T) {
	_, err := NewBadgerArchive(BadgerOptions{})
	assert.Error(t, err)
}

func TestNewBadgerArchive_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := []byte(`{"persisted":true}`)

	a, err := NewBadgerArchive(BadgerOptions{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, digest(data), data))
	require.NoError(t, a.Close())

	reopened, err := NewBadgerArchive(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, digest(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
